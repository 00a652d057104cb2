package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("BATCH_SIZE", "")
	t.Setenv("BATCH_FLUSH_INTERVAL_MS", "")
	t.Setenv("RETENTION_MONTHS", "")
	t.Setenv("SAMPLING_RATE", "")
	t.Setenv("ALERT_COOLDOWN", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.BatchFlushInterval())
	assert.Equal(t, 3, cfg.RetentionMonths)
	assert.Equal(t, 10, cfg.SamplingRate)
	assert.Equal(t, time.Duration(0), cfg.AlertCooldown)
	assert.Less(t, cfg.TemperatureWarn, cfg.TemperatureCritical)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("BATCH_SIZE", "250")
	t.Setenv("BATCH_FLUSH_INTERVAL_MS", "5000")
	t.Setenv("TEMPERATURE_WARN", "20")
	t.Setenv("TEMPERATURE_CRITICAL", "30.5")
	t.Setenv("ALERT_COOLDOWN", "2m")
	t.Setenv("MQTT_TOPICS", "relics/a/+, relics/b/+ ,")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.BatchFlushInterval())
	assert.Equal(t, 20.0, cfg.TemperatureWarn)
	assert.Equal(t, 30.5, cfg.TemperatureCritical)
	assert.Equal(t, 2*time.Minute, cfg.AlertCooldown)
	assert.Equal(t, []string{"relics/a/+", "relics/b/+"}, cfg.MQTTTopics)
}

func TestLoadConfig_MalformedNumberFallsBack(t *testing.T) {
	t.Setenv("BATCH_SIZE", "lots")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.BatchSize)
}

func TestValidate(t *testing.T) {
	t.Setenv("BATCH_SIZE", "0")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_SIZE")

	cfg := &Config{BatchSize: 10, BatchFlushIntervalMs: 1, BufferMaxPending: 5, WorkerCount: 1, WorkerQueueSize: 1, RetentionMonths: 1}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUFFER_MAX_PENDING")
}
