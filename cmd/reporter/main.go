// Package main is the entry point for the moisture reporter agent. It
// wires storage, the sensor, the MQTT session and the control loop,
// and manages the process lifecycle.
package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/buteomont/mqtt-moisture-reporter/internal/adapter/config"
	"github.com/buteomont/mqtt-moisture-reporter/internal/adapter/history"
	"github.com/buteomont/mqtt-moisture-reporter/internal/adapter/mqtt"
	"github.com/buteomont/mqtt-moisture-reporter/internal/adapter/sensor"
	"github.com/buteomont/mqtt-moisture-reporter/internal/adapter/storage"
	"github.com/buteomont/mqtt-moisture-reporter/internal/domain"
	"github.com/buteomont/mqtt-moisture-reporter/internal/health"
	"github.com/buteomont/mqtt-moisture-reporter/internal/metrics"
	"github.com/buteomont/mqtt-moisture-reporter/internal/service"
	"github.com/buteomont/mqtt-moisture-reporter/pkg/logging"
)

var version = "dev"

// sensorDriver is what both the serial and the simulated driver
// provide beyond the service-level Sensor interface.
type sensorDriver interface {
	service.Sensor
	Stats() map[string]interface{}
	Close() error
}

func main() {
	logger := logging.NewLogger("info", "json")
	logger.Info().
		Str("version", version).
		Str("service", "moisture-reporter").
		Msg("Starting moisture reporter")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger = logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Settings store over the NV record file.
	block, err := storage.FileBlock(cfg.Storage.Path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Storage.Path).Msg("Failed to open settings storage")
	}
	defer block.Close()

	store := storage.NewStore(block, domain.Defaults{
		BrokerAddress:  cfg.Defaults.BrokerAddress,
		BrokerUsername: cfg.Defaults.BrokerUsername,
		ClientID:       domain.ClientIDRoot + deviceSuffix(),
	}, logger)

	settings := store.Load()
	if !settings.Configured {
		logger.Warn().Msg("No valid settings record, running with defaults")
	}

	// Sensor driver.
	var sens sensorDriver
	if cfg.Sensor.Simulate {
		sens = sensor.NewSimulated(cfg.Sensor.EmptyMM, cfg.Sensor.FullMM)
		logger.Info().Msg("Using simulated sensor")
	} else {
		serialSensor, err := sensor.Open(sensor.Config{
			Port:     cfg.Sensor.Port,
			BaudRate: cfg.Sensor.BaudRate,
			EmptyMM:  cfg.Sensor.EmptyMM,
			FullMM:   cfg.Sensor.FullMM,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("port", cfg.Sensor.Port).Msg("Failed to open sensor")
		}
		sens = serialSensor
	}
	defer sens.Close()

	// Optional reading history.
	var historyStore *history.Store
	if cfg.History.Enabled {
		historyStore, err = history.NewStore(cfg.History.Path, logger, metricsRegistry)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open history store")
		}
		defer historyStore.Close()
	}

	// MQTT session from the persisted settings. The broker password
	// is not part of the NV record; it arrives via the bootstrap
	// config or environment.
	session := mqtt.NewSession(mqtt.SessionConfig{
		BrokerAddress:  settings.BrokerAddress,
		Username:       settings.BrokerUsername,
		Password:       cfg.Defaults.BrokerPassword,
		ClientID:       settings.ClientID,
		QoS:            *cfg.MQTT.QoS,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		PublishTimeout: cfg.MQTT.PublishTimeout,
		SettleDelay:    *cfg.MQTT.SettleDelay,
	}, logger, metricsRegistry)

	baseTopic := cfg.MQTT.TopicRoot + "/" + settings.ClientID

	// Reboot requests flow out of the command router and terminate
	// the process; the service supervisor restarts it cold.
	rebootCh := make(chan struct{})
	var rebootOnce sync.Once
	requestReboot := func() {
		rebootOnce.Do(func() { close(rebootCh) })
	}

	var historyDep service.History
	if historyStore != nil {
		historyDep = historyStore
	}

	reporter := service.NewReporter(service.ReporterConfig{
		BaseTopic:       baseTopic,
		Version:         version,
		IncludePassword: cfg.MQTT.IncludePassword,
		RequestReboot:   requestReboot,
	}, settings, store, session, sens, historyDep, logger, metricsRegistry)

	reporter.RegisterStats("mqtt", session.Stats)
	reporter.RegisterStats("sensor", sens.Stats)
	reporter.RegisterStats("settings_store", store.Stats)
	if historyStore != nil {
		reporter.RegisterStats("history", historyStore.Stats)
	}

	// Inbound topics. Registration survives reconnects; the session
	// re-subscribes on every connect.
	session.Subscribe(baseTopic+"/"+domain.TopicCommand, reporter.EnqueueCommand)
	session.Subscribe(baseTopic+"/"+domain.TopicPeriod, reporter.EnqueuePeriod)

	// Connection supervision: single attempts with the error taxonomy
	// surfaced, repeated at the reconnect interval.
	go superviseConnection(ctx, session, cfg.MQTT.ReconnectDelay,
		logging.WithComponent(logger, "connection-supervisor"))

	// HTTP server for health, status and metrics.
	healthChecker := health.NewChecker(session, healthDep(historyStore), logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LiveHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadyHandler)
	mux.HandleFunc("/status", reporter.StatusHandler)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Control loop.
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		reporter.Run(ctx)
	}()

	logger.Info().Str("base_topic", baseTopic).Msg("Moisture reporter started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	rebooting := false
	select {
	case <-sigChan:
		logger.Info().Msg("Shutdown signal received, stopping...")
	case <-rebootCh:
		rebooting = true
		logger.Info().Msg("Reboot requested, restarting...")
	}

	cancel()
	<-loopDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping HTTP server")
	}
	session.Disconnect()

	logger.Info().Msg("Moisture reporter stopped")

	if rebooting {
		// Exit cleanly and rely on the service supervisor
		// (systemd Restart=always) to bring the agent back up; the
		// persisted settings make the restart identical to a cold
		// boot.
		os.Exit(0)
	}
}

// superviseConnection keeps attempting to connect while the session is
// down. Each failure is logged with its taxonomy code; the session
// itself never retries.
func superviseConnection(ctx context.Context, session *mqtt.Session, delay time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		if session.State() == mqtt.StateDisconnected {
			if err := session.Connect(ctx); err != nil {
				logger.Warn().Err(err).Msg("Broker connection attempt failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// deviceSuffix derives a stable per-device client id suffix from the
// hostname.
func deviceSuffix() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	h := fnv.New32a()
	h.Write([]byte(hostname))
	return fmt.Sprintf("%06x", h.Sum32()&0xFFFFFF)
}

// healthDep converts a possibly-nil history store into the checker
// dependency without smuggling a typed nil into the interface.
func healthDep(s *history.Store) health.StoreChecker {
	if s == nil {
		return nil
	}
	return s
}
