package service

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/buteomont/mqtt-moisture-reporter/internal/domain"
	"github.com/buteomont/mqtt-moisture-reporter/internal/metrics"
)

// recentReadings is how many history rows the status document carries.
const recentReadings = 10

// ReporterConfig holds control loop configuration.
type ReporterConfig struct {
	BaseTopic       string
	Version         string
	IncludePassword bool
	RequestReboot   func()

	// CommandBuffer bounds the inbound command queue. Commands beyond
	// it are dropped, matching the single-threaded device model where
	// a flood of commands cannot grow memory without bound.
	CommandBuffer int
}

// Reporter runs the device control loop: one goroutine multiplexing
// inbound commands, period updates and the reporting timer. Publishing
// is skipped, not queued, while the session is disconnected; the next
// period retries naturally.
type Reporter struct {
	config    ReporterConfig
	settings  domain.Settings
	store     SettingsStore
	publisher Publisher
	sensor    Sensor
	history   History
	router    *Router
	logger    zerolog.Logger
	metrics   *metrics.Registry

	cmdChan    chan string
	periodChan chan string

	reportsPublished atomic.Uint64
	reportsSkipped   atomic.Uint64
	commandsDropped  atomic.Uint64
	periodSeconds    atomic.Uint32
	startTime        time.Time

	last       atomic.Pointer[domain.Reading]
	extraStats map[string]func() map[string]interface{}
}

// NewReporter creates the control loop service. settings is the record
// loaded at boot; the loop owns it from here on.
func NewReporter(
	config ReporterConfig,
	settings domain.Settings,
	store SettingsStore,
	publisher Publisher,
	sensor Sensor,
	history History,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Reporter {
	if config.CommandBuffer <= 0 {
		config.CommandBuffer = 16
	}

	r := &Reporter{
		config:     config,
		settings:   settings,
		store:      store,
		publisher:  publisher,
		sensor:     sensor,
		history:    history,
		logger:     logger.With().Str("component", "reporter").Logger(),
		metrics:    metricsReg,
		cmdChan:    make(chan string, config.CommandBuffer),
		periodChan: make(chan string, 4),
		extraStats: make(map[string]func() map[string]interface{}),
	}

	r.router = NewRouter(RouterConfig{
		BaseTopic:       config.BaseTopic,
		Version:         config.Version,
		IncludePassword: config.IncludePassword,
		RequestReboot:   config.RequestReboot,
	}, store, publisher, sensor, history, logger, metricsReg)

	return r
}

// EnqueueCommand queues an inbound command payload for the loop. Safe
// to call from the MQTT callback goroutine; drops when the queue is
// full.
func (r *Reporter) EnqueueCommand(payload []byte) {
	select {
	case r.cmdChan <- string(payload):
	default:
		r.commandsDropped.Add(1)
		r.logger.Warn().Msg("Command queue full, dropping command")
	}
}

// EnqueuePeriod queues an inbound period-topic payload.
func (r *Reporter) EnqueuePeriod(payload []byte) {
	select {
	case r.periodChan <- string(payload):
	default:
	}
}

// Run executes the control loop until ctx is cancelled. An immediate
// first report is attempted on entry.
func (r *Reporter) Run(ctx context.Context) error {
	r.startTime = time.Now()
	r.periodSeconds.Store(uint32(r.settings.ReportingPeriod / time.Second))
	r.metrics.SetReportingPeriod(r.settings.ReportingPeriod.Seconds())
	r.logger.Info().
		Str("base_topic", r.config.BaseTopic).
		Dur("period", r.settings.ReportingPeriod).
		Bool("configured", r.settings.Configured).
		Msg("Control loop started")

	ticker := time.NewTicker(r.settings.ReportingPeriod)
	defer ticker.Stop()

	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Control loop stopped")
			return ctx.Err()

		case payload := <-r.cmdChan:
			if r.router.Handle(ctx, &r.settings, payload) {
				r.applyPeriod(ctx, ticker)
			}

		case payload := <-r.periodChan:
			r.handlePeriod(ctx, ticker, payload)

		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick performs one reporting cycle. Disconnected sessions skip the
// tick entirely; nothing is queued.
func (r *Reporter) tick(ctx context.Context) {
	if !r.publisher.IsConnected() {
		r.reportsSkipped.Add(1)
		r.metrics.IncReportsSkipped()
		r.logger.Debug().Msg("Session disconnected, skipping report")
		return
	}

	reading, err := r.sensor.Read(ctx)
	if err != nil {
		r.metrics.IncSensorErrors()
		r.logger.Warn().Err(err).Msg("Sensor read failed, skipping report")
		return
	}

	percent := strconv.FormatFloat(reading.Percent, 'f', 1, 64)
	if err := r.publish(ctx, domain.TopicMoisture, []byte(percent)); err != nil {
		return
	}
	raw := strconv.FormatUint(uint64(reading.Millimeters), 10)
	if err := r.publish(ctx, domain.TopicReading, []byte(raw)); err != nil {
		return
	}
	seconds := strconv.FormatUint(uint64(r.settings.ReportingPeriod/time.Second), 10)
	if err := r.publish(ctx, domain.TopicPeriod, []byte(seconds)); err != nil {
		return
	}

	r.reportsPublished.Add(1)
	r.metrics.IncReportsPublished()
	r.metrics.SetLastPercent(reading.Percent)
	r.metrics.SetLastReading(float64(reading.Millimeters))
	r.last.Store(&reading)

	if r.history != nil {
		if err := r.history.Insert(ctx, reading); err != nil {
			r.logger.Warn().Err(err).Msg("History insert failed")
		}
	}

	r.logger.Debug().
		Uint16("millimeters", reading.Millimeters).
		Float64("percent", reading.Percent).
		Msg("Report published")
}

// handlePeriod applies a period-topic payload: a positive integer
// number of seconds. The device republishes the period with every
// report and after a change, so payloads equal to the current period
// are ignored to break the echo.
func (r *Reporter) handlePeriod(ctx context.Context, ticker *time.Ticker, payload string) {
	seconds, err := strconv.ParseUint(payload, 10, 32)
	if err != nil || seconds == 0 {
		r.logger.Warn().Str("payload", payload).Msg("Ignoring invalid period payload")
		return
	}

	period := time.Duration(seconds) * time.Second
	if period == r.settings.ReportingPeriod {
		return
	}

	r.settings.ReportingPeriod = period
	r.settings.Configured = true
	if err := r.store.Save(r.settings); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist period change")
	}
	r.applyPeriod(ctx, ticker)
}

// applyPeriod resets the timer to the current period and announces it.
func (r *Reporter) applyPeriod(ctx context.Context, ticker *time.Ticker) {
	ticker.Reset(r.settings.ReportingPeriod)
	r.periodSeconds.Store(uint32(r.settings.ReportingPeriod / time.Second))
	r.metrics.SetReportingPeriod(r.settings.ReportingPeriod.Seconds())
	r.logger.Info().Dur("period", r.settings.ReportingPeriod).Msg("Reporting period changed")

	seconds := strconv.FormatUint(uint64(r.settings.ReportingPeriod/time.Second), 10)
	r.publish(ctx, domain.TopicPeriod, []byte(seconds))
}

func (r *Reporter) publish(ctx context.Context, suffix string, payload []byte) error {
	topic := r.config.BaseTopic + "/" + suffix
	if err := r.publisher.Publish(ctx, topic, payload); err != nil {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("Publish failed")
		return err
	}
	return nil
}

// LastReading returns the most recently published reading, if any.
func (r *Reporter) LastReading() (domain.Reading, bool) {
	p := r.last.Load()
	if p == nil {
		return domain.Reading{}, false
	}
	return *p, true
}

// Settings returns a copy of the settings the loop was created with.
// Only valid before Run; the loop owns the record afterwards.
func (r *Reporter) Settings() domain.Settings {
	return r.settings
}

// RegisterStats attaches a named stats source to the status endpoint.
func (r *Reporter) RegisterStats(name string, fn func() map[string]interface{}) {
	r.extraStats[name] = fn
}

// StatusHandler serves the aggregated agent status document.
func (r *Reporter) StatusHandler(w http.ResponseWriter, req *http.Request) {
	status := map[string]interface{}{
		"service":   "moisture-reporter",
		"version":   r.config.Version,
		"uptime":    time.Since(r.startTime).String(),
		"uptime_ms": time.Since(r.startTime).Milliseconds(),
		"reporting": map[string]interface{}{
			"period_seconds":    r.periodSeconds.Load(),
			"reports_published": r.reportsPublished.Load(),
			"reports_skipped":   r.reportsSkipped.Load(),
			"commands_dropped":  r.commandsDropped.Load(),
			"pulses":            r.sensor.PulseCount(),
		},
	}

	if last, ok := r.LastReading(); ok {
		status["last_reading"] = last
	}
	if r.history != nil {
		if recent, err := r.history.Recent(req.Context(), recentReadings); err == nil && len(recent) > 0 {
			status["recent_readings"] = recent
		}
	}
	for name, fn := range r.extraStats {
		status[name] = fn()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
