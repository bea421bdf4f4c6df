package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buteomont/mqtt-moisture-reporter/internal/domain"
)

type fakeHistory struct {
	inserted []domain.Reading
	err      error
}

func (f *fakeHistory) Insert(ctx context.Context, r domain.Reading) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, r)
	return nil
}

func (f *fakeHistory) Recent(ctx context.Context, n int) ([]domain.Reading, error) {
	if f.err != nil {
		return nil, f.err
	}
	if n > len(f.inserted) {
		n = len(f.inserted)
	}
	return f.inserted[:n], nil
}

func newTestReporter(pub *fakePublisher, store *fakeStore, sensor *fakeSensor, history History) *Reporter {
	return NewReporter(ReporterConfig{
		BaseTopic: "soil/UltrasonicDetector01",
		Version:   "2.1.0",
	}, baseSettings(), store, pub, sensor, history, zerolog.Nop(), nil)
}

func TestTickPublishesReadingAndRecordsHistory(t *testing.T) {
	pub := &fakePublisher{connected: true}
	sensor := &fakeSensor{reading: domain.Reading{Millimeters: 900, Percent: 61.1, Pulses: 4}}
	history := &fakeHistory{}
	r := newTestReporter(pub, &fakeStore{}, sensor, history)

	r.tick(context.Background())

	require.Len(t, pub.published, 3)
	assert.Equal(t, "soil/UltrasonicDetector01/percent", pub.published[0].topic)
	assert.Equal(t, "61.1", pub.published[0].payload)
	assert.Equal(t, "soil/UltrasonicDetector01/value", pub.published[1].topic)
	assert.Equal(t, "900", pub.published[1].payload)
	assert.Equal(t, "soil/UltrasonicDetector01/period", pub.published[2].topic)
	assert.Equal(t, "60", pub.published[2].payload)

	require.Len(t, history.inserted, 1)
	assert.Equal(t, uint16(900), history.inserted[0].Millimeters)

	last, ok := r.LastReading()
	require.True(t, ok)
	assert.Equal(t, uint16(900), last.Millimeters)
}

func TestTickAnnouncesPeriodEachReport(t *testing.T) {
	pub := &fakePublisher{connected: true}
	sensor := &fakeSensor{reading: domain.Reading{Millimeters: 700, Percent: 72.5}}
	r := newTestReporter(pub, &fakeStore{}, sensor, nil)

	r.tick(context.Background())
	r.tick(context.Background())

	periods := 0
	for _, p := range pub.published {
		if p.topic == "soil/UltrasonicDetector01/period" {
			periods++
			assert.Equal(t, "60", p.payload)
		}
	}
	assert.Equal(t, 2, periods)
}

func TestStatusHandlerIncludesRecentReadings(t *testing.T) {
	pub := &fakePublisher{connected: true}
	sensor := &fakeSensor{reading: domain.Reading{Millimeters: 800, Percent: 66.7}}
	history := &fakeHistory{}
	r := newTestReporter(pub, &fakeStore{}, sensor, history)

	r.tick(context.Background())

	rec := httptest.NewRecorder()
	r.StatusHandler(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	recent, ok := status["recent_readings"].([]interface{})
	require.True(t, ok)
	require.Len(t, recent, 1)
}

func TestStatusHandlerOmitsRecentReadingsWithoutHistory(t *testing.T) {
	pub := &fakePublisher{connected: true}
	r := newTestReporter(pub, &fakeStore{}, &fakeSensor{}, nil)

	rec := httptest.NewRecorder()
	r.StatusHandler(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	_, ok := status["recent_readings"]
	assert.False(t, ok)
}

func TestTickSkippedWhileDisconnected(t *testing.T) {
	pub := &fakePublisher{connected: false}
	sensor := &fakeSensor{reading: domain.Reading{Millimeters: 900}}
	r := newTestReporter(pub, &fakeStore{}, sensor, nil)

	r.tick(context.Background())

	assert.Empty(t, pub.published)
	assert.Equal(t, uint64(1), r.reportsSkipped.Load())
	_, ok := r.LastReading()
	assert.False(t, ok)
}

func TestTickSkippedOnSensorError(t *testing.T) {
	pub := &fakePublisher{connected: true}
	sensor := &fakeSensor{err: domain.ErrSensorUnavailable}
	r := newTestReporter(pub, &fakeStore{}, sensor, nil)

	r.tick(context.Background())

	assert.Empty(t, pub.published)
	assert.Zero(t, r.reportsPublished.Load())
}

func TestTickHistoryFailureDoesNotFailReport(t *testing.T) {
	pub := &fakePublisher{connected: true}
	sensor := &fakeSensor{reading: domain.Reading{Millimeters: 900, Percent: 50}}
	history := &fakeHistory{err: domain.ErrStorageWrite}
	r := newTestReporter(pub, &fakeStore{}, sensor, history)

	r.tick(context.Background())

	assert.Equal(t, uint64(1), r.reportsPublished.Load())
}

func TestHandlePeriodUpdatesAndPersists(t *testing.T) {
	pub := &fakePublisher{connected: true}
	store := &fakeStore{}
	r := newTestReporter(pub, store, &fakeSensor{}, nil)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	r.handlePeriod(context.Background(), ticker, "120")

	assert.Equal(t, 120*time.Second, r.settings.ReportingPeriod)
	require.Len(t, store.saved, 1)
	assert.Equal(t, 120*time.Second, store.saved[0].ReportingPeriod)

	// The new period is announced on the period topic.
	require.Len(t, pub.published, 1)
	assert.Equal(t, "soil/UltrasonicDetector01/period", pub.published[0].topic)
	assert.Equal(t, "120", pub.published[0].payload)
}

func TestHandlePeriodIgnoresEcho(t *testing.T) {
	pub := &fakePublisher{connected: true}
	store := &fakeStore{}
	r := newTestReporter(pub, store, &fakeSensor{}, nil)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	// Same value as the current period: must not save or republish.
	r.handlePeriod(context.Background(), ticker, "60")

	assert.Empty(t, store.saved)
	assert.Empty(t, pub.published)
}

func TestHandlePeriodRejectsInvalidPayloads(t *testing.T) {
	pub := &fakePublisher{connected: true}
	store := &fakeStore{}
	r := newTestReporter(pub, store, &fakeSensor{}, nil)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for _, payload := range []string{"0", "-5", "abc", ""} {
		r.handlePeriod(context.Background(), ticker, payload)
	}

	assert.Equal(t, 60*time.Second, r.settings.ReportingPeriod)
	assert.Empty(t, store.saved)
}

func TestRunProcessesQueuedCommand(t *testing.T) {
	pub := &fakePublisher{connected: true}
	sensor := &fakeSensor{reading: domain.Reading{Millimeters: 500, Percent: 83.3}}
	r := newTestReporter(pub, &fakeStore{}, sensor, nil)

	r.EnqueueCommand([]byte("version"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := r.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Initial tick publishes percent, value and period, then the
	// command response follows.
	require.Len(t, pub.published, 4)
	assert.Equal(t, "2.1.0", pub.published[3].payload)
}

func TestEnqueueCommandDropsWhenFull(t *testing.T) {
	r := NewReporter(ReporterConfig{
		BaseTopic:     "soil/x",
		CommandBuffer: 1,
	}, baseSettings(), &fakeStore{}, &fakePublisher{}, &fakeSensor{}, nil, zerolog.Nop(), nil)

	r.EnqueueCommand([]byte("status"))
	r.EnqueueCommand([]byte("status"))

	assert.Equal(t, uint64(1), r.commandsDropped.Load())
}
