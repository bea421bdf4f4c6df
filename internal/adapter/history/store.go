// Package history keeps a local log of published readings in SQLite so
// the status command and the HTTP status endpoint can show recent
// values across restarts. Writes go through a circuit breaker: a
// wedged disk trips the breaker instead of stalling the control loop.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	_ "modernc.org/sqlite"

	"github.com/buteomont/mqtt-moisture-reporter/internal/domain"
	"github.com/buteomont/mqtt-moisture-reporter/internal/metrics"
)

// Store records readings to a local SQLite database.
type Store struct {
	db      *sql.DB
	logger  zerolog.Logger
	metrics *metrics.Registry
	breaker *gobreaker.CircuitBreaker[struct{}]

	inserts      atomic.Uint64
	insertErrors atomic.Uint64
}

// NewStore opens (creating if needed) the history database.
func NewStore(path string, logger zerolog.Logger, metricsReg *metrics.Registry) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	s := &Store{
		db:      db,
		logger:  logger.With().Str("component", "history-store").Logger(),
		metrics: metricsReg,
	}

	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "history-writer",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("History breaker state changed")
		},
	})

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("History store opened")
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		ts          TEXT NOT NULL,
		millimeters INTEGER NOT NULL,
		percent     REAL NOT NULL,
		pulses      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS readings_ts ON readings (ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert records one reading. When the breaker is open the reading is
// dropped and counted; the error is still returned so callers can log
// it, but a reporting tick never fails because of history.
func (s *Store) Insert(ctx context.Context, r domain.Reading) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO readings (ts, millimeters, percent, pulses) VALUES (?, ?, ?, ?)`,
			r.At.UTC().Format(time.RFC3339Nano), r.Millimeters, r.Percent, r.Pulses,
		)
		return struct{}{}, execErr
	})
	if err != nil {
		s.insertErrors.Add(1)
		s.metrics.IncHistoryErrors()
		return fmt.Errorf("insert reading: %w", err)
	}
	s.inserts.Add(1)
	return nil
}

// Recent returns up to n readings, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]domain.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, millimeters, percent, pulses FROM readings ORDER BY ts DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []domain.Reading
	for rows.Next() {
		var ts string
		var r domain.Reading
		if err := rows.Scan(&ts, &r.Millimeters, &r.Percent, &r.Pulses); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		if at, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			r.At = at
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// IsHealthy reports whether the database answers a ping and the
// breaker is closed.
func (s *Store) IsHealthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil && s.breaker.State() != gobreaker.StateOpen
}

// Stats returns history statistics for the status endpoint.
func (s *Store) Stats() map[string]interface{} {
	return map[string]interface{}{
		"inserts":       s.inserts.Load(),
		"insert_errors": s.insertErrors.Load(),
		"breaker_state": s.breaker.State().String(),
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
