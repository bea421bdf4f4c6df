// Package health provides the HTTP health check endpoints.
package health

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ConnectionChecker reports whether the MQTT session is connected.
type ConnectionChecker interface {
	IsConnected() bool
}

// StoreChecker reports whether a storage dependency is usable.
type StoreChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Checker provides health check endpoints.
type Checker struct {
	session ConnectionChecker
	history StoreChecker
	logger  zerolog.Logger
}

// NewChecker creates a health checker. history may be nil when the
// reading history is disabled.
func NewChecker(session ConnectionChecker, history StoreChecker, logger zerolog.Logger) *Checker {
	return &Checker{
		session: session,
		history: history,
		logger:  logger.With().Str("component", "health-checker").Logger(),
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// HealthHandler returns the overall health status. The device is
// degraded, not down, while disconnected: the control loop keeps
// retrying on its own.
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]string{}

	mqttStatus := "healthy"
	if !c.session.IsConnected() {
		mqttStatus = "unhealthy"
	}
	components["mqtt"] = mqttStatus

	historyStatus := "healthy"
	if c.history != nil {
		if !c.history.IsHealthy(ctx) {
			historyStatus = "unhealthy"
		}
		components["history"] = historyStatus
	}

	overallStatus := "healthy"
	if mqttStatus != "healthy" || historyStatus != "healthy" {
		overallStatus = "degraded"
	}

	response := HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: components,
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// LiveHandler returns 200 if the process is running.
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler returns 200 once the session can publish.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ready := c.session.IsConnected()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status":    "not_ready",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
