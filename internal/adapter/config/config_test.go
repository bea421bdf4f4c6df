package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "service:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Service.Name)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "soil", cfg.MQTT.TopicRoot)
	require.NotNil(t, cfg.MQTT.SettleDelay)
	assert.Equal(t, 400*time.Millisecond, *cfg.MQTT.SettleDelay)
	require.NotNil(t, cfg.MQTT.QoS)
	assert.Equal(t, byte(1), *cfg.MQTT.QoS)
	assert.Equal(t, uint16(2000), cfg.Sensor.EmptyMM)
	assert.Equal(t, uint16(200), cfg.Sensor.FullMM)
	assert.Equal(t, "tcp://localhost:1883", cfg.Defaults.BrokerAddress)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TEST_BROKER", "tcp://broker.example:1883")

	cfg, err := Load(writeConfig(t, `
defaults:
  broker_address: "${TEST_BROKER}"
  broker_username: "${TEST_MISSING:fallback}"
`))
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker.example:1883", cfg.Defaults.BrokerAddress)
	assert.Equal(t, "fallback", cfg.Defaults.BrokerUsername)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REPORTER_TOPIC_ROOT", "greenhouse")
	t.Setenv("MQTT_USERNAME", "gardener")

	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, "greenhouse", cfg.MQTT.TopicRoot)
	assert.Equal(t, "gardener", cfg.Defaults.BrokerUsername)
}

func TestLoadExplicitZeroQoSAndSettleDelay(t *testing.T) {
	// An explicit zero is a choice, not an absent key: QoS 0 means
	// fire-and-forget publishes and settle_delay 0 disables the
	// post-publish pause.
	cfg, err := Load(writeConfig(t, `
mqtt:
  qos: 0
  settle_delay: 0
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.MQTT.QoS)
	assert.Equal(t, byte(0), *cfg.MQTT.QoS)
	require.NotNil(t, cfg.MQTT.SettleDelay)
	assert.Equal(t, time.Duration(0), *cfg.MQTT.SettleDelay)
}

func TestLoadRejectsInvertedSensorRange(t *testing.T) {
	_, err := Load(writeConfig(t, `
sensor:
  empty_mm: 100
  full_mm: 500
`))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
