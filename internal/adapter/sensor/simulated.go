package sensor

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/buteomont/mqtt-moisture-reporter/internal/domain"
)

// Simulated produces a slow sine wave between the calibration bounds.
// It stands in for the hardware during development and in tests.
type Simulated struct {
	EmptyMM uint16
	FullMM  uint16

	start  time.Time
	pulses atomic.Uint64
}

// NewSimulated creates a simulated sensor.
func NewSimulated(emptyMM, fullMM uint16) *Simulated {
	return &Simulated{EmptyMM: emptyMM, FullMM: fullMM, start: time.Now()}
}

// Read returns the current simulated sample.
func (s *Simulated) Read(ctx context.Context) (domain.Reading, error) {
	span := float64(s.EmptyMM) - float64(s.FullMM)
	phase := time.Since(s.start).Seconds() / 600 * 2 * math.Pi
	mm := uint16(float64(s.FullMM) + span*(0.5+0.5*math.Sin(phase)))

	return domain.Reading{
		Millimeters: mm,
		Percent:     percentOf(mm, s.EmptyMM, s.FullMM),
		Pulses:      s.pulses.Add(1),
		At:          time.Now(),
	}, nil
}

// PulseCount returns the simulated pulse counter.
func (s *Simulated) PulseCount() uint64 {
	return s.pulses.Load()
}

// ResetPulseCount zeroes the simulated pulse counter.
func (s *Simulated) ResetPulseCount() {
	s.pulses.Store(0)
}

// Close is a no-op for the simulated sensor.
func (s *Simulated) Close() error { return nil }

// Stats returns simulated driver statistics.
func (s *Simulated) Stats() map[string]interface{} {
	return map[string]interface{}{
		"port":   "simulated",
		"pulses": s.pulses.Load(),
	}
}
