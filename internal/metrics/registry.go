// Package metrics exposes Prometheus instrumentation for the reporter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics. A nil *Registry is valid and
// records nothing, which keeps tests free of global registry setup.
type Registry struct {
	reportsPublished prometheus.Counter
	reportsSkipped   prometheus.Counter
	publishes        prometheus.Counter
	publishErrors    prometheus.Counter
	connectFailures  prometheus.Counter
	connectionsLost  prometheus.Counter
	commandsHandled  *prometheus.CounterVec
	sensorErrors     prometheus.Counter
	historyErrors    prometheus.Counter
	lastPercent      prometheus.Gauge
	lastReading      prometheus.Gauge
	reportingPeriod  prometheus.Gauge
}

// NewRegistry creates a new metrics registry registered with the
// default Prometheus registerer.
func NewRegistry() *Registry {
	return &Registry{
		reportsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "moisture_reporter_reports_published_total",
			Help: "Total number of sensor reports published",
		}),
		reportsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "moisture_reporter_reports_skipped_total",
			Help: "Total number of reporting ticks skipped while disconnected",
		}),
		publishes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "moisture_reporter_publishes_total",
			Help: "Total number of successful MQTT publishes",
		}),
		publishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "moisture_reporter_publish_errors_total",
			Help: "Total number of failed MQTT publishes",
		}),
		connectFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "moisture_reporter_connect_failures_total",
			Help: "Total number of failed broker connection attempts",
		}),
		connectionsLost: promauto.NewCounter(prometheus.CounterOpts{
			Name: "moisture_reporter_connections_lost_total",
			Help: "Total number of broker connections lost",
		}),
		commandsHandled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "moisture_reporter_commands_handled_total",
			Help: "Total number of commands handled, by command",
		}, []string{"command"}),
		sensorErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "moisture_reporter_sensor_errors_total",
			Help: "Total number of sensor read failures",
		}),
		historyErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "moisture_reporter_history_errors_total",
			Help: "Total number of history write failures",
		}),
		lastPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "moisture_reporter_last_percent",
			Help: "Most recent fill level percentage",
		}),
		lastReading: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "moisture_reporter_last_reading_millimeters",
			Help: "Most recent raw distance reading in millimeters",
		}),
		reportingPeriod: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "moisture_reporter_reporting_period_seconds",
			Help: "Current reporting period in seconds",
		}),
	}
}

// IncReportsPublished increments the reports published counter.
func (r *Registry) IncReportsPublished() {
	if r == nil {
		return
	}
	r.reportsPublished.Inc()
}

// IncReportsSkipped increments the skipped tick counter.
func (r *Registry) IncReportsSkipped() {
	if r == nil {
		return
	}
	r.reportsSkipped.Inc()
}

// IncPublishes increments the successful publish counter.
func (r *Registry) IncPublishes() {
	if r == nil {
		return
	}
	r.publishes.Inc()
}

// IncPublishErrors increments the failed publish counter.
func (r *Registry) IncPublishErrors() {
	if r == nil {
		return
	}
	r.publishErrors.Inc()
}

// IncConnectFailures increments the connect failure counter.
func (r *Registry) IncConnectFailures() {
	if r == nil {
		return
	}
	r.connectFailures.Inc()
}

// IncConnectionsLost increments the lost connection counter.
func (r *Registry) IncConnectionsLost() {
	if r == nil {
		return
	}
	r.connectionsLost.Inc()
}

// IncCommandsHandled increments the handled command counter for one
// command name.
func (r *Registry) IncCommandsHandled(command string) {
	if r == nil {
		return
	}
	r.commandsHandled.WithLabelValues(command).Inc()
}

// IncSensorErrors increments the sensor failure counter.
func (r *Registry) IncSensorErrors() {
	if r == nil {
		return
	}
	r.sensorErrors.Inc()
}

// IncHistoryErrors increments the history write failure counter.
func (r *Registry) IncHistoryErrors() {
	if r == nil {
		return
	}
	r.historyErrors.Inc()
}

// SetLastPercent records the most recent fill percentage.
func (r *Registry) SetLastPercent(percent float64) {
	if r == nil {
		return
	}
	r.lastPercent.Set(percent)
}

// SetLastReading records the most recent raw reading.
func (r *Registry) SetLastReading(millimeters float64) {
	if r == nil {
		return
	}
	r.lastReading.Set(millimeters)
}

// SetReportingPeriod records the current reporting period.
func (r *Registry) SetReportingPeriod(seconds float64) {
	if r == nil {
		return
	}
	r.reportingPeriod.Set(seconds)
}
