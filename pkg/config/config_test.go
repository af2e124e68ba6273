package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.Pool.MaxSize)
	assert.Equal(t, 16384, cfg.Socket.MaxChunkSize)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxRetryTime)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Zero(t, cfg.Routing.TableTTL, "server TTL trusted by default")
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nornic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool:
  max_size: 7
  acquisition_timeout: 5s
retry:
  multiplier: 3.5
logging:
  level: debug
`), 0o600))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	// Overridden keys.
	assert.Equal(t, 7, cfg.Pool.MaxSize)
	assert.Equal(t, 5*time.Second, cfg.Pool.AcquisitionTimeout)
	assert.Equal(t, 3.5, cfg.Retry.Multiplier)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched keys keep their defaults.
	assert.Equal(t, time.Hour, cfg.Pool.MaxConnectionLifetime)
	assert.Equal(t, 30*time.Second, cfg.Socket.ConnectTimeout)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFromFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool: [not a map"), 0o600))
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("NORNIC_MAX_POOL_SIZE", "12")
	t.Setenv("NORNIC_CONNECT_TIMEOUT", "9s")
	t.Setenv("NORNIC_RETRY_JITTER", "0.4")
	t.Setenv("NORNIC_ROUTING_TABLE_TTL", "90s")
	t.Setenv("NORNIC_LOG_LEVEL", "warn")

	cfg := Defaults()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 12, cfg.Pool.MaxSize)
	assert.Equal(t, 9*time.Second, cfg.Socket.ConnectTimeout)
	assert.Equal(t, 0.4, cfg.Retry.Jitter)
	assert.Equal(t, 90*time.Second, cfg.Routing.TableTTL)
	assert.Equal(t, "warn", cfg.Logging.Level)

	// Unset variables leave defaults alone.
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric pool size", "NORNIC_MAX_POOL_SIZE", "many"},
		{"bad duration", "NORNIC_MAX_RETRY_TIME", "soon"},
		{"bad float", "NORNIC_RETRY_MULTIPLIER", "twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			cfg := Defaults()
			assert.Error(t, cfg.ApplyEnv())
		})
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero pool size", func(c *Config) { c.Pool.MaxSize = 0 }},
		{"chunk size too small", func(c *Config) { c.Socket.MaxChunkSize = 0 }},
		{"chunk size beyond header", func(c *Config) { c.Socket.MaxChunkSize = 65536 }},
		{"multiplier below one", func(c *Config) { c.Retry.Multiplier = 0.5 }},
		{"negative jitter", func(c *Config) { c.Retry.Jitter = -0.1 }},
		{"jitter of one", func(c *Config) { c.Retry.Jitter = 1.0 }},
		{"zero initial delay", func(c *Config) { c.Retry.InitialDelay = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
