// Package storage persists the device settings as a fixed-size binary
// record guarded by a validity marker. The marker is written last, in
// its own write, so a power loss mid-save leaves the record invalid and
// the next Load falls back to defaults instead of reading torn data.
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/buteomont/mqtt-moisture-reporter/internal/domain"
)

// Record layout offsets. Strings occupy their full capacity and are
// NUL-terminated; the period is a uint32 of seconds; the marker sits at
// the end so it is naturally the last thing written.
const (
	offSSID     = 0
	offPassword = offSSID + domain.SSIDSize
	offAddress  = offPassword + domain.PasswordSize
	offUsername = offAddress + domain.AddressSize
	offClientID = offUsername + domain.UsernameSize
	offPeriod   = offClientID + domain.ClientIDSize
	offMarker   = offPeriod + 4

	// RecordSize is the total size of the persisted record.
	RecordSize = offMarker + 2
)

// Store reads and writes the settings record. Load never fails; Save
// truncates rather than failing so a write always completes within the
// fixed record size.
type Store struct {
	block    Block
	defaults domain.Defaults
	logger   zerolog.Logger

	saves      atomic.Uint64
	saveErrors atomic.Uint64
}

// NewStore creates a settings store over the given block.
func NewStore(block Block, defaults domain.Defaults, logger zerolog.Logger) *Store {
	return &Store{
		block:    block,
		defaults: defaults,
		logger:   logger.With().Str("component", "settings-store").Logger(),
	}
}

// Load reads the persisted record. A marker mismatch, short read, read
// error or unterminated string field all degrade to the compiled
// defaults with Configured false.
func (s *Store) Load() domain.Settings {
	buf := make([]byte, RecordSize)
	if _, err := s.block.ReadAt(buf, 0); err != nil {
		s.logger.Warn().Err(err).Msg("Storage read failed, using defaults")
		return s.defaults.Apply()
	}

	if binary.LittleEndian.Uint16(buf[offMarker:]) != domain.ValidityMarker {
		s.logger.Info().Msg("No valid settings record, using defaults")
		return s.defaults.Apply()
	}

	ssid, ok1 := field(buf, offSSID, domain.SSIDSize)
	password, ok2 := field(buf, offPassword, domain.PasswordSize)
	address, ok3 := field(buf, offAddress, domain.AddressSize)
	username, ok4 := field(buf, offUsername, domain.UsernameSize)
	clientID, ok5 := field(buf, offClientID, domain.ClientIDSize)
	if !(ok1 && ok2 && ok3 && ok4 && ok5) {
		s.logger.Warn().Msg("Settings record has unterminated field, using defaults")
		return s.defaults.Apply()
	}

	settings := domain.Settings{
		SSID:            ssid,
		Password:        password,
		BrokerAddress:   address,
		BrokerUsername:  username,
		ClientID:        clientID,
		ReportingPeriod: time.Duration(binary.LittleEndian.Uint32(buf[offPeriod:])) * time.Second,
		Configured:      true,
	}
	if settings.ReportingPeriod <= 0 {
		settings.ReportingPeriod = domain.DefaultReportingPeriod
	}
	if settings.ClientID == "" {
		settings.ClientID = s.defaults.ClientID
	}
	return settings
}

// Save persists the settings. String fields are truncated to their
// bounds, the field block is written and synced, then the marker. Only
// write failures are surfaced.
func (s *Store) Save(settings domain.Settings) error {
	settings.Truncate()
	s.saves.Add(1)

	buf := make([]byte, offMarker)
	putField(buf, offSSID, domain.SSIDSize, settings.SSID)
	putField(buf, offPassword, domain.PasswordSize, settings.Password)
	putField(buf, offAddress, domain.AddressSize, settings.BrokerAddress)
	putField(buf, offUsername, domain.UsernameSize, settings.BrokerUsername)
	putField(buf, offClientID, domain.ClientIDSize, settings.ClientID)
	binary.LittleEndian.PutUint32(buf[offPeriod:], uint32(settings.ReportingPeriod/time.Second))

	if _, err := s.block.WriteAt(buf, 0); err != nil {
		s.saveErrors.Add(1)
		return fmt.Errorf("%w: fields: %v", domain.ErrStorageWrite, err)
	}
	if err := s.block.Sync(); err != nil {
		s.saveErrors.Add(1)
		return fmt.Errorf("%w: sync: %v", domain.ErrStorageWrite, err)
	}

	marker := make([]byte, 2)
	binary.LittleEndian.PutUint16(marker, domain.ValidityMarker)
	if _, err := s.block.WriteAt(marker, offMarker); err != nil {
		s.saveErrors.Add(1)
		return fmt.Errorf("%w: marker: %v", domain.ErrStorageWrite, err)
	}
	if err := s.block.Sync(); err != nil {
		s.saveErrors.Add(1)
		return fmt.Errorf("%w: sync: %v", domain.ErrStorageWrite, err)
	}

	s.logger.Debug().
		Str("client_id", settings.ClientID).
		Dur("period", settings.ReportingPeriod).
		Msg("Settings saved")
	return nil
}

// settingsDocument is the JSON rendering of the settings record.
type settingsDocument struct {
	SSID           string `json:"ssid"`
	Password       string `json:"password"`
	BrokerAddress  string `json:"brokerAddress"`
	BrokerUsername string `json:"brokerUsername"`
	ClientID       string `json:"mqttClientId"`
	PeriodSeconds  uint32 `json:"reportPeriodSeconds"`
	Configured     bool   `json:"configured"`
}

// Describe renders the settings as a JSON document bounded by
// domain.DocumentCapacity. The password is replaced with a placeholder
// unless redact is false.
func (s *Store) Describe(settings domain.Settings, redact bool) ([]byte, error) {
	doc := settingsDocument{
		SSID:           settings.SSID,
		Password:       settings.Password,
		BrokerAddress:  settings.BrokerAddress,
		BrokerUsername: settings.BrokerUsername,
		ClientID:       settings.ClientID,
		PeriodSeconds:  uint32(settings.ReportingPeriod / time.Second),
		Configured:     settings.Configured,
	}
	if redact && doc.Password != "" {
		doc.Password = "********"
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if len(data) > domain.DocumentCapacity {
		return nil, domain.ErrDocumentTooLarge
	}
	return data, nil
}

// Stats returns store statistics for the status endpoint.
func (s *Store) Stats() map[string]interface{} {
	return map[string]interface{}{
		"saves":       s.saves.Load(),
		"save_errors": s.saveErrors.Load(),
	}
}

// field extracts a NUL-terminated string of at most size bytes at off.
// The second return is false when no terminator is present within the
// bound.
func field(buf []byte, off, size int) (string, bool) {
	raw := buf[off : off+size]
	i := bytes.IndexByte(raw, 0)
	if i < 0 {
		return "", false
	}
	return string(raw[:i]), true
}

// putField writes a string into its slot, NUL-padding the remainder.
// Callers must have truncated the value already.
func putField(buf []byte, off, size int, value string) {
	slot := buf[off : off+size]
	for i := range slot {
		slot[i] = 0
	}
	copy(slot, value)
}
