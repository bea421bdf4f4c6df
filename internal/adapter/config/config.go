// Package config loads the bootstrap configuration file. This is the
// operator-facing YAML config of the agent process; the device's own
// network and broker settings live in the persisted settings record
// and are only defaulted from here.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// expandEnvBraces expands only ${VAR} and ${VAR:default} patterns so
// literal dollar signs elsewhere in the file survive.
func expandEnvBraces(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// Config represents the complete agent configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	HTTP     HTTPConfig     `yaml:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Storage  StorageConfig  `yaml:"storage"`
	Sensor   SensorConfig   `yaml:"sensor"`
	History  HistoryConfig  `yaml:"history"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServiceConfig contains service identification.
type ServiceConfig struct {
	Name string `yaml:"name"`
}

// HTTPConfig contains the health/metrics HTTP server settings.
type HTTPConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// MQTTConfig contains session behavior settings. Broker address and
// credentials are not here: they come from the persisted settings.
type MQTTConfig struct {
	TopicRoot      string        `yaml:"topic_root"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// QoS and SettleDelay are pointers so an explicit zero in the file
	// is distinguishable from the key being absent: QoS 0 and a
	// disabled settle delay are both valid settings.
	QoS         *byte          `yaml:"qos"`
	SettleDelay *time.Duration `yaml:"settle_delay"`

	// IncludePassword controls whether the settings command response
	// carries the real network password.
	IncludePassword bool `yaml:"include_password"`
}

// StorageConfig locates the persisted settings record.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SensorConfig contains the ultrasonic sensor settings.
type SensorConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	EmptyMM  uint16 `yaml:"empty_mm"`
	FullMM   uint16 `yaml:"full_mm"`
	Simulate bool   `yaml:"simulate"`
}

// HistoryConfig contains the local reading history settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultsConfig seeds the settings record when storage is blank or
// corrupt.
type DefaultsConfig struct {
	BrokerAddress  string `yaml:"broker_address"`
	BrokerUsername string `yaml:"broker_username"`
	BrokerPassword string `yaml:"broker_password"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvBraces(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "moisture-reporter"
	}

	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8080
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 10 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 10 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}

	if cfg.MQTT.TopicRoot == "" {
		cfg.MQTT.TopicRoot = "soil"
	}
	if cfg.MQTT.QoS == nil {
		qos := byte(1)
		cfg.MQTT.QoS = &qos
	}
	if cfg.MQTT.KeepAlive == 0 {
		cfg.MQTT.KeepAlive = 30 * time.Second
	}
	if cfg.MQTT.ConnectTimeout == 0 {
		cfg.MQTT.ConnectTimeout = 30 * time.Second
	}
	if cfg.MQTT.PublishTimeout == 0 {
		cfg.MQTT.PublishTimeout = 10 * time.Second
	}
	if cfg.MQTT.SettleDelay == nil {
		delay := 400 * time.Millisecond
		cfg.MQTT.SettleDelay = &delay
	}
	if cfg.MQTT.ReconnectDelay == 0 {
		cfg.MQTT.ReconnectDelay = 5 * time.Second
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/moisture-reporter/settings.bin"
	}

	if cfg.Sensor.Port == "" {
		cfg.Sensor.Port = "/dev/ttyUSB0"
	}
	if cfg.Sensor.BaudRate == 0 {
		cfg.Sensor.BaudRate = 9600
	}
	if cfg.Sensor.EmptyMM == 0 {
		cfg.Sensor.EmptyMM = 2000
	}
	if cfg.Sensor.FullMM == 0 {
		cfg.Sensor.FullMM = 200
	}

	if cfg.History.Path == "" {
		cfg.History.Path = "/var/lib/moisture-reporter/history.db"
	}

	if cfg.Defaults.BrokerAddress == "" {
		cfg.Defaults.BrokerAddress = "tcp://localhost:1883"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REPORTER_HTTP_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.HTTP.Port)
	}
	if v := os.Getenv("REPORTER_TOPIC_ROOT"); v != "" {
		cfg.MQTT.TopicRoot = v
	}
	if v := os.Getenv("REPORTER_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("REPORTER_SENSOR_PORT"); v != "" {
		cfg.Sensor.Port = v
	}
	if v := os.Getenv("MQTT_BROKER_ADDRESS"); v != "" {
		cfg.Defaults.BrokerAddress = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.Defaults.BrokerUsername = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.Defaults.BrokerPassword = v
	}
	if v := os.Getenv("REPORTER_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func validate(cfg *Config) error {
	if *cfg.MQTT.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2")
	}
	if cfg.Sensor.EmptyMM <= cfg.Sensor.FullMM {
		return fmt.Errorf("sensor empty_mm must be greater than full_mm")
	}
	if *cfg.MQTT.SettleDelay < 0 {
		return fmt.Errorf("settle_delay cannot be negative")
	}
	return nil
}
