package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/spacenose/internal/config"
	"codeberg.org/mutker/spacenose/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "spacenose.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
pid_file = "/run/spacenose.pid"

[udp]
host = "127.0.0.1"
port = 9999
poll_interval = "20ms"

[http]
port = 8080

[storage]
path = "/path/to/readings.db"
batch_size = 16
retention_days = 7

[mqtt]
broker = "localhost:1883"
topic = "lab/adc"
qos = 1

[log]
level = "debug"
format = "json"
`)
	t.Setenv("SPACENOSE_CONFIG", configPath)

	cfg, err := config.Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.UDPAddr(), "Expected UDP address from file")
	assert.Equal(t, 20*time.Millisecond, cfg.UDP.PollInterval, "Expected poll interval 20ms")
	assert.Equal(t, 1024, cfg.UDP.BufferSize, "Expected default buffer size")
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr(), "Expected HTTP address")
	assert.True(t, cfg.Storage.Enabled, "Expected storage enabled")
	assert.Equal(t, "/path/to/readings.db", cfg.Storage.Path)
	assert.Equal(t, 16, cfg.Storage.BatchSize)
	assert.Equal(t, 7, cfg.Storage.RetentionDays)
	assert.Equal(t, "localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "lab/adc", cfg.MQTT.Topic)
	assert.Equal(t, 1, cfg.MQTT.QoS)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "/run/spacenose.pid", cfg.PIDFile)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SPACENOSE_CONFIG", "")

	cfg, err := config.Load(nil)
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, "0.0.0.0:8888", cfg.UDPAddr(), "Expected default UDP address")
	assert.Equal(t, "0.0.0.0:8000", cfg.HTTPAddr(), "Expected default HTTP address")
	assert.Equal(t, 10*time.Millisecond, cfg.UDP.PollInterval)
	assert.Equal(t, 1024, cfg.UDP.BufferSize)
	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, 30, cfg.Storage.RetentionDays)
	assert.Equal(t, 256, cfg.Persist.QueueSize)
	assert.Equal(t, time.Second, cfg.Registry.WriteTimeout)
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Equal(t, config.DefaultLogLevel, cfg.Log.Level, "Expected default LogLevel info")
}

func TestEnvironmentOverridesFile(t *testing.T) {
	configPath := writeConfig(t, `
[udp]
port = 9999
`)
	t.Setenv("SPACENOSE_CONFIG", configPath)
	t.Setenv("SPACENOSE_UDP_PORT", "7777")

	cfg, err := config.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.UDP.Port)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("SPACENOSE_CONFIG", "")
	t.Setenv("SPACENOSE_UDP_PORT", "7777")

	cfg, err := config.Load([]string{"--udp-port", "6666", "--no-storage", "--debug"})
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.UDP.Port)
	assert.False(t, cfg.Storage.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	configPath := writeConfig(t, `
This is not a valid TOML file
`)

	_, err := config.Load([]string{"--config", configPath})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	_, err := config.Load([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	configPath := writeConfig(t, `
[log]
level = "invalid"
`)
	t.Setenv("SPACENOSE_CONFIG", configPath)

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("SPACENOSE_CONFIG", "")

	cases := map[string][]string{
		"port out of range": {"--udp-port", "70000"},
		"storage path":      {"--db", ""},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(args)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
		})
	}
}
