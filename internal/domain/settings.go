// Package domain contains the core entities of the moisture reporter:
// the persisted device settings, sensor readings, the command set and
// the MQTT error taxonomy. Nothing here touches the network or disk.
package domain

import (
	"time"
)

// ValidityMarker is the sentinel confirming a persisted settings record
// was written by a compatible version of this software. A record without
// it is treated as blank regardless of its other bytes.
const ValidityMarker uint16 = 0xDAB0

// Field capacities of the persisted record, in bytes. Each string field
// occupies exactly its capacity on disk and must be NUL-terminated
// within it.
const (
	SSIDSize     = 100
	PasswordSize = 50
	AddressSize  = 30
	UsernameSize = 50
	ClientIDSize = 25
	TopicSize    = 150
)

// DocumentCapacity bounds the rendered settings/status JSON documents.
// The 50 covers field names and punctuation.
const DocumentCapacity = SSIDSize + PasswordSize + UsernameSize + TopicSize + 50

// ClientIDRoot is the fixed prefix of the MQTT client identifier; a
// per-device suffix is appended, bounded to ClientIDSize.
const ClientIDRoot = "UltrasonicDetector"

// DefaultReportingPeriod is used when storage holds no valid record.
const DefaultReportingPeriod = 300 * time.Second

// Settings is the device configuration persisted to non-volatile
// storage. It is all-or-nothing: either the validity marker matched on
// load and every field is authoritative, or the whole record is the
// compiled defaults and Configured is false.
type Settings struct {
	SSID            string
	Password        string
	BrokerAddress   string
	BrokerUsername  string
	ClientID        string
	ReportingPeriod time.Duration

	// Configured is true only when the record was loaded with a
	// matching validity marker. Not persisted.
	Configured bool
}

// Truncate caps every string field to fit its on-disk capacity,
// reserving one byte for the NUL terminator. Save always succeeds
// because of this.
func (s *Settings) Truncate() {
	s.SSID = truncate(s.SSID, SSIDSize)
	s.Password = truncate(s.Password, PasswordSize)
	s.BrokerAddress = truncate(s.BrokerAddress, AddressSize)
	s.BrokerUsername = truncate(s.BrokerUsername, UsernameSize)
	s.ClientID = truncate(s.ClientID, ClientIDSize)
}

func truncate(s string, capacity int) string {
	if len(s) > capacity-1 {
		return s[:capacity-1]
	}
	return s
}

// Defaults holds the compile-time fallback configuration applied when
// storage is blank or corrupt. BrokerAddress and BrokerUsername come
// from the bootstrap config so a freshly provisioned unit can still
// reach a broker.
type Defaults struct {
	BrokerAddress  string
	BrokerUsername string
	ClientID       string
}

// Apply returns a Settings populated entirely from the defaults, with
// Configured false.
func (d Defaults) Apply() Settings {
	s := Settings{
		BrokerAddress:   d.BrokerAddress,
		BrokerUsername:  d.BrokerUsername,
		ClientID:        d.ClientID,
		ReportingPeriod: DefaultReportingPeriod,
	}
	s.Truncate()
	return s
}
