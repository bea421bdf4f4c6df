// Package sensor reads the ultrasonic distance sensor. The serial
// driver owns a reader goroutine that keeps the latest decoded sample;
// the control loop only ever asks for the most recent value, so a slow
// or dead sensor can never block a reporting tick.
package sensor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/buteomont/mqtt-moisture-reporter/internal/domain"
)

// DefaultBaudRate matches the sensor's fixed UART rate.
const DefaultBaudRate = 9600

// Config contains serial sensor configuration.
type Config struct {
	Port     string
	BaudRate int

	// EmptyMM and FullMM are the calibration distances used to derive
	// the fill percentage.
	EmptyMM uint16
	FullMM  uint16
}

// Serial reads frames from the UART and exposes the latest sample.
type Serial struct {
	config Config
	port   serial.Port
	logger zerolog.Logger

	mu      sync.RWMutex
	last    domain.Reading
	haveOne bool

	pulses      atomic.Uint64
	frameErrors atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// Open opens the serial port and starts the reader goroutine.
func Open(config Config, logger zerolog.Logger) (*Serial, error) {
	if config.BaudRate == 0 {
		config.BaudRate = DefaultBaudRate
	}

	port, err := serial.Open(config.Port, &serial.Mode{BaudRate: config.BaudRate})
	if err != nil {
		return nil, err
	}
	port.SetReadTimeout(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Serial{
		config: config,
		port:   port,
		logger: logger.With().Str("component", "sensor").Logger(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go s.readLoop(ctx)

	s.logger.Info().
		Str("port", config.Port).
		Int("baud", config.BaudRate).
		Msg("Sensor opened")
	return s, nil
}

// Read returns the most recent sample. ErrSensorUnavailable is
// returned until the first valid frame arrives.
func (s *Serial) Read(ctx context.Context) (domain.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.haveOne {
		return domain.Reading{}, domain.ErrSensorUnavailable
	}
	r := s.last
	r.Pulses = s.pulses.Load()
	return r, nil
}

// PulseCount returns valid frames received since boot or the last
// reset.
func (s *Serial) PulseCount() uint64 {
	return s.pulses.Load()
}

// ResetPulseCount zeroes the pulse counter.
func (s *Serial) ResetPulseCount() {
	s.pulses.Store(0)
}

// Close stops the reader and closes the port.
func (s *Serial) Close() error {
	s.cancel()
	<-s.done
	return s.port.Close()
}

// readLoop scans the byte stream for frames, resynchronizing on the
// header byte after any decode error.
func (s *Serial) readLoop(ctx context.Context) {
	defer close(s.done)

	frame := make([]byte, 0, frameSize)
	buf := make([]byte, 64)

	for ctx.Err() == nil {
		n, err := s.port.Read(buf)
		if err != nil {
			if err == io.EOF {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("Serial read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, b := range buf[:n] {
			if len(frame) == 0 && b != frameHeader {
				continue
			}
			frame = append(frame, b)
			if len(frame) < frameSize {
				continue
			}

			mm, err := parseFrame(frame)
			frame = frame[:0]
			if err != nil {
				s.frameErrors.Add(1)
				continue
			}

			s.pulses.Add(1)
			reading := domain.Reading{
				Millimeters: mm,
				Percent:     percentOf(mm, s.config.EmptyMM, s.config.FullMM),
				At:          time.Now(),
			}
			s.mu.Lock()
			s.last = reading
			s.haveOne = true
			s.mu.Unlock()
		}
	}
}

// Stats returns driver statistics for the status endpoint.
func (s *Serial) Stats() map[string]interface{} {
	s.mu.RLock()
	last := s.last
	have := s.haveOne
	s.mu.RUnlock()

	return map[string]interface{}{
		"port":         s.config.Port,
		"have_sample":  have,
		"last_mm":      last.Millimeters,
		"pulses":       s.pulses.Load(),
		"frame_errors": s.frameErrors.Load(),
	}
}
