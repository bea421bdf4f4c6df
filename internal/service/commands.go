// Package service contains the command router and the reporting
// control loop. Everything here runs on a single goroutine; commands
// and reporting ticks are strictly sequential, so the settings record
// is never read concurrently with a write.
package service

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buteomont/mqtt-moisture-reporter/internal/domain"
	"github.com/buteomont/mqtt-moisture-reporter/internal/metrics"
)

// Publisher is the narrow view of the MQTT session the service needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
}

// SettingsStore loads, persists and renders the settings record.
type SettingsStore interface {
	Load() domain.Settings
	Save(domain.Settings) error
	Describe(settings domain.Settings, redact bool) ([]byte, error)
}

// Sensor provides the current reading and the pulse counter.
type Sensor interface {
	Read(ctx context.Context) (domain.Reading, error)
	PulseCount() uint64
	ResetPulseCount()
}

// History records published readings. May be absent.
type History interface {
	Insert(ctx context.Context, r domain.Reading) error
	Recent(ctx context.Context, n int) ([]domain.Reading, error)
}

// RouterConfig holds command router configuration.
type RouterConfig struct {
	// BaseTopic is the device base topic; suffixes from the domain
	// package are appended to it.
	BaseTopic string

	// Version is the compiled version string reported by the version
	// command.
	Version string

	// IncludePassword controls redaction in the settings response.
	IncludePassword bool

	// RequestReboot asks the process supervisor for a restart. Called
	// after the reboot command has flushed its publishes.
	RequestReboot func()
}

// Router interprets inbound command payloads and dispatches them.
type Router struct {
	config    RouterConfig
	store     SettingsStore
	publisher Publisher
	sensor    Sensor
	history   History
	logger    zerolog.Logger
	metrics   *metrics.Registry
}

// NewRouter creates a command router.
func NewRouter(
	config RouterConfig,
	store SettingsStore,
	publisher Publisher,
	sensor Sensor,
	history History,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Router {
	return &Router{
		config:    config,
		store:     store,
		publisher: publisher,
		sensor:    sensor,
		history:   history,
		logger:    logger.With().Str("component", "command-router").Logger(),
		metrics:   metricsReg,
	}
}

// ack is the JSON acknowledgement published for mutating commands and
// unknown payloads.
type ack struct {
	ID      string `json:"id"`
	Command string `json:"command"`
	Result  string `json:"result"`
}

// statusDocument is the JSON response to the status command.
type statusDocument struct {
	Millimeters   uint16  `json:"millimeters"`
	Percent       float64 `json:"percent"`
	Pulses        uint64  `json:"pulses"`
	PeriodSeconds uint32  `json:"reportPeriodSeconds"`
	Version       string  `json:"version"`
	SensorOK      bool    `json:"sensorOk"`
}

// updateDocument is the JSON settings-update payload. Absent fields
// are left untouched; the store truncates oversized values.
type updateDocument struct {
	SSID           *string `json:"ssid"`
	Password       *string `json:"password"`
	BrokerAddress  *string `json:"brokerAddress"`
	BrokerUsername *string `json:"brokerUsername"`
	ClientID       *string `json:"mqttClientId"`
	PeriodSeconds  *uint32 `json:"reportPeriodSeconds"`
}

// Handle processes one command payload against the current settings.
// It returns true when the reporting period changed and the scheduler
// must reset its timer. Unknown payloads never mutate anything.
func (r *Router) Handle(ctx context.Context, settings *domain.Settings, payload string) bool {
	cmd, raw := domain.ParseCommand(payload)
	r.metrics.IncCommandsHandled(string(cmd))
	r.logger.Debug().Str("command", string(cmd)).Msg("Handling command")

	switch cmd {
	case domain.CommandSettings:
		r.handleSettings(ctx, *settings)
	case domain.CommandResetPulse:
		r.sensor.ResetPulseCount()
		r.respond(ctx, ack{ID: uuid.NewString(), Command: raw, Result: "ok"})
	case domain.CommandReboot:
		r.logger.Info().Msg("Reboot requested by command")
		if r.config.RequestReboot != nil {
			r.config.RequestReboot()
		}
	case domain.CommandVersion:
		r.publish(ctx, domain.TopicResponse, []byte(r.config.Version))
	case domain.CommandStatus:
		r.handleStatus(ctx, *settings)
	case domain.CommandUpdate:
		return r.handleUpdate(ctx, settings, raw)
	default:
		r.logger.Warn().Str("payload", raw).Msg("Unknown command")
		r.respond(ctx, ack{ID: uuid.NewString(), Command: raw, Result: "unknown command"})
	}
	return false
}

func (r *Router) handleSettings(ctx context.Context, settings domain.Settings) {
	doc, err := r.store.Describe(settings, !r.config.IncludePassword)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to render settings")
		return
	}
	r.publish(ctx, domain.TopicResponse, doc)
}

func (r *Router) handleStatus(ctx context.Context, settings domain.Settings) {
	doc := statusDocument{
		Pulses:        r.sensor.PulseCount(),
		PeriodSeconds: uint32(settings.ReportingPeriod / time.Second),
		Version:       r.config.Version,
	}
	if reading, err := r.sensor.Read(ctx); err == nil {
		doc.Millimeters = reading.Millimeters
		doc.Percent = reading.Percent
		doc.SensorOK = true
	}

	data, err := json.Marshal(doc)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to render status")
		return
	}
	if len(data) > domain.DocumentCapacity {
		r.logger.Error().Int("size", len(data)).Msg("Status document exceeds capacity")
		return
	}
	r.publish(ctx, domain.TopicResponse, data)
}

// handleUpdate merges a JSON settings payload into the current record
// and persists it. A malformed document is acknowledged as an error
// and mutates nothing.
func (r *Router) handleUpdate(ctx context.Context, settings *domain.Settings, raw string) bool {
	var doc updateDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		r.logger.Warn().Err(err).Msg("Malformed settings update")
		r.respond(ctx, ack{ID: uuid.NewString(), Command: "update", Result: "malformed settings document"})
		return false
	}

	updated := *settings
	if doc.SSID != nil {
		updated.SSID = *doc.SSID
	}
	if doc.Password != nil {
		updated.Password = *doc.Password
	}
	if doc.BrokerAddress != nil {
		updated.BrokerAddress = *doc.BrokerAddress
	}
	if doc.BrokerUsername != nil {
		updated.BrokerUsername = *doc.BrokerUsername
	}
	if doc.ClientID != nil {
		updated.ClientID = *doc.ClientID
	}
	periodChanged := false
	if doc.PeriodSeconds != nil && *doc.PeriodSeconds > 0 {
		period := time.Duration(*doc.PeriodSeconds) * time.Second
		periodChanged = period != updated.ReportingPeriod
		updated.ReportingPeriod = period
	}
	updated.Truncate()
	updated.Configured = true

	if err := r.store.Save(updated); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist settings update")
		r.respond(ctx, ack{ID: uuid.NewString(), Command: "update", Result: "save failed"})
		return false
	}

	*settings = updated
	r.respond(ctx, ack{ID: uuid.NewString(), Command: "update", Result: "ok"})
	r.logger.Info().Msg("Settings updated")
	return periodChanged
}

func (r *Router) respond(ctx context.Context, a ack) {
	data, err := json.Marshal(a)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to marshal acknowledgement")
		return
	}
	r.publish(ctx, domain.TopicResponse, data)
}

func (r *Router) publish(ctx context.Context, suffix string, payload []byte) {
	topic := r.config.BaseTopic + "/" + suffix
	if err := r.publisher.Publish(ctx, topic, payload); err != nil {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("Command response publish failed")
	}
}
