package domain

import "time"

// Reading is a single sensor measurement. In-memory only; reset by
// reboot.
type Reading struct {
	// Millimeters is the raw distance reported by the ultrasonic
	// sensor.
	Millimeters uint16 `json:"millimeters"`

	// Percent is the fill level derived from the configured empty and
	// full distances, clamped to [0, 100].
	Percent float64 `json:"percent"`

	// Pulses is the count of valid frames received since boot or the
	// last resetPulseCounter command.
	Pulses uint64 `json:"pulses"`

	// At is when the sample was taken.
	At time.Time `json:"at"`
}
