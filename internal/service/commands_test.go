package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buteomont/mqtt-moisture-reporter/internal/domain"
)

type publishRecord struct {
	topic   string
	payload string
}

type fakePublisher struct {
	connected bool
	err       error
	published []publishRecord
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if !f.connected {
		return domain.ErrNotConnected
	}
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishRecord{topic, string(payload)})
	return nil
}

func (f *fakePublisher) IsConnected() bool { return f.connected }

type fakeStore struct {
	current domain.Settings
	saved   []domain.Settings
	saveErr error
}

func (f *fakeStore) Load() domain.Settings { return f.current }

func (f *fakeStore) Save(s domain.Settings) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, s)
	f.current = s
	return nil
}

func (f *fakeStore) Describe(s domain.Settings, redact bool) ([]byte, error) {
	password := s.Password
	if redact {
		password = "********"
	}
	return json.Marshal(map[string]interface{}{
		"ssid":     s.SSID,
		"password": password,
	})
}

type fakeSensor struct {
	reading domain.Reading
	err     error
	pulses  uint64
	resets  int
}

func (f *fakeSensor) Read(ctx context.Context) (domain.Reading, error) {
	if f.err != nil {
		return domain.Reading{}, f.err
	}
	return f.reading, nil
}

func (f *fakeSensor) PulseCount() uint64 { return f.pulses }
func (f *fakeSensor) ResetPulseCount()   { f.resets++; f.pulses = 0 }

func newTestRouter(pub *fakePublisher, store *fakeStore, sensor *fakeSensor, reboot func()) *Router {
	return NewRouter(RouterConfig{
		BaseTopic:     "soil/UltrasonicDetector01",
		Version:       "2.1.0",
		RequestReboot: reboot,
	}, store, pub, sensor, nil, zerolog.Nop(), nil)
}

func baseSettings() domain.Settings {
	return domain.Settings{
		SSID:            "greenhouse",
		Password:        "hunter2",
		BrokerAddress:   "tcp://broker:1883",
		ClientID:        "UltrasonicDetector01",
		ReportingPeriod: 60 * time.Second,
		Configured:      true,
	}
}

func TestHandleUnknownCommandMutatesNothing(t *testing.T) {
	pub := &fakePublisher{connected: true}
	store := &fakeStore{current: baseSettings()}
	sensor := &fakeSensor{pulses: 7}
	router := newTestRouter(pub, store, sensor, nil)

	settings := baseSettings()
	changed := router.Handle(context.Background(), &settings, "blorp")

	assert.False(t, changed)
	assert.Empty(t, store.saved)
	assert.Zero(t, sensor.resets)
	assert.Equal(t, baseSettings(), settings)
	require.Len(t, pub.published, 1)
	assert.Contains(t, pub.published[0].payload, "unknown command")
}

func TestHandleStatusPublishesOnce(t *testing.T) {
	pub := &fakePublisher{connected: true}
	sensor := &fakeSensor{
		reading: domain.Reading{Millimeters: 840, Percent: 64.4},
		pulses:  12,
	}
	router := newTestRouter(pub, &fakeStore{}, sensor, nil)

	settings := baseSettings()
	router.Handle(context.Background(), &settings, "status")

	require.Len(t, pub.published, 1)
	assert.Equal(t, "soil/UltrasonicDetector01/command/response", pub.published[0].topic)

	var doc statusDocument
	require.NoError(t, json.Unmarshal([]byte(pub.published[0].payload), &doc))
	assert.Equal(t, uint16(840), doc.Millimeters)
	assert.InDelta(t, 64.4, doc.Percent, 0.01)
	assert.Equal(t, uint64(12), doc.Pulses)
	assert.Equal(t, uint32(60), doc.PeriodSeconds)
	assert.True(t, doc.SensorOK)
}

func TestHandleVersion(t *testing.T) {
	pub := &fakePublisher{connected: true}
	router := newTestRouter(pub, &fakeStore{}, &fakeSensor{}, nil)

	settings := baseSettings()
	router.Handle(context.Background(), &settings, "version")

	require.Len(t, pub.published, 1)
	assert.Equal(t, "2.1.0", pub.published[0].payload)
}

func TestHandleSettingsRedactsPassword(t *testing.T) {
	pub := &fakePublisher{connected: true}
	router := newTestRouter(pub, &fakeStore{}, &fakeSensor{}, nil)

	settings := baseSettings()
	router.Handle(context.Background(), &settings, "settings")

	require.Len(t, pub.published, 1)
	assert.NotContains(t, pub.published[0].payload, "hunter2")
	assert.Contains(t, pub.published[0].payload, "********")
}

func TestHandleResetPulseCounter(t *testing.T) {
	pub := &fakePublisher{connected: true}
	sensor := &fakeSensor{pulses: 99}
	router := newTestRouter(pub, &fakeStore{}, sensor, nil)

	settings := baseSettings()
	router.Handle(context.Background(), &settings, "resetPulseCounter")

	assert.Equal(t, 1, sensor.resets)
	assert.Zero(t, sensor.pulses)
	require.Len(t, pub.published, 1)
	assert.Contains(t, pub.published[0].payload, `"result":"ok"`)
}

func TestHandleReboot(t *testing.T) {
	pub := &fakePublisher{connected: true}
	rebooted := false
	router := newTestRouter(pub, &fakeStore{}, &fakeSensor{}, func() { rebooted = true })

	settings := baseSettings()
	router.Handle(context.Background(), &settings, "reboot")

	assert.True(t, rebooted)
	assert.Empty(t, pub.published)
}

func TestHandleUpdatePersistsAndMerges(t *testing.T) {
	pub := &fakePublisher{connected: true}
	store := &fakeStore{}
	router := newTestRouter(pub, store, &fakeSensor{}, nil)

	settings := baseSettings()
	changed := router.Handle(context.Background(), &settings,
		`{"ssid":"barn-wifi","reportPeriodSeconds":120}`)

	assert.True(t, changed)
	require.Len(t, store.saved, 1)
	assert.Equal(t, "barn-wifi", settings.SSID)
	assert.Equal(t, "hunter2", settings.Password)
	assert.Equal(t, 120*time.Second, settings.ReportingPeriod)
	assert.True(t, settings.Configured)
}

func TestHandleUpdateTruncatesFields(t *testing.T) {
	pub := &fakePublisher{connected: true}
	store := &fakeStore{}
	router := newTestRouter(pub, store, &fakeSensor{}, nil)

	settings := baseSettings()
	long := strings.Repeat("x", 300)
	router.Handle(context.Background(), &settings, `{"ssid":"`+long+`"}`)

	assert.Len(t, settings.SSID, domain.SSIDSize-1)
}

func TestHandleUpdateMalformedMutatesNothing(t *testing.T) {
	pub := &fakePublisher{connected: true}
	store := &fakeStore{}
	router := newTestRouter(pub, store, &fakeSensor{}, nil)

	settings := baseSettings()
	changed := router.Handle(context.Background(), &settings, `{"ssid": [not json]`)

	assert.False(t, changed)
	assert.Empty(t, store.saved)
	assert.Equal(t, baseSettings(), settings)
}

func TestHandleUpdateSaveFailureLeavesSettings(t *testing.T) {
	pub := &fakePublisher{connected: true}
	store := &fakeStore{saveErr: errors.New("disk full")}
	router := newTestRouter(pub, store, &fakeSensor{}, nil)

	settings := baseSettings()
	changed := router.Handle(context.Background(), &settings, `{"ssid":"new"}`)

	assert.False(t, changed)
	assert.Equal(t, baseSettings(), settings)
	require.Len(t, pub.published, 1)
	assert.Contains(t, pub.published[0].payload, "save failed")
}
