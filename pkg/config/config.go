// Package config holds the driver's tunables.
//
// Configuration is plain values: how many connections, how long to wait,
// how often to retry. It can come from three places, later ones winning:
//
//  1. Defaults() — values matching common server deployments
//  2. A YAML file via LoadFromFile
//  3. NORNIC_* environment variables via ApplyEnv
//
// Example:
//
//	cfg := config.Defaults()
//	if err := cfg.ApplyEnv(); err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// Environment Variables:
//   - NORNIC_MAX_POOL_SIZE=100
//   - NORNIC_MAX_CONNECTION_LIFETIME=1h
//   - NORNIC_CONNECTION_ACQUISITION_TIMEOUT=60s
//   - NORNIC_CONNECT_TIMEOUT=30s
//   - NORNIC_MAX_CHUNK_SIZE=16384
//   - NORNIC_IDLE_BEFORE_PROBE=1m
//   - NORNIC_MAX_RETRY_TIME=30s
//   - NORNIC_INITIAL_RETRY_DELAY=1s
//   - NORNIC_RETRY_MULTIPLIER=2.0
//   - NORNIC_RETRY_JITTER=0.2
//   - NORNIC_ROUTING_TABLE_TTL=0 (0 = trust the server's TTL)
//   - NORNIC_LOG_LEVEL=info
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all driver configuration, organized by concern.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	Socket  SocketConfig  `yaml:"socket"`
	Retry   RetryConfig   `yaml:"retry"`
	Routing RoutingConfig `yaml:"routing"`
	Logging LoggingConfig `yaml:"logging"`
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	// MaxSize is the per-address cap on open connections.
	MaxSize int `yaml:"max_size"`
	// MaxConnectionLifetime discards connections older than this on
	// release, even when healthy.
	MaxConnectionLifetime time.Duration `yaml:"max_connection_lifetime"`
	// AcquisitionTimeout bounds waiting for a free pool slot. It does not
	// cover handshake and authentication; those fall under ConnectTimeout.
	AcquisitionTimeout time.Duration `yaml:"acquisition_timeout"`
	// IdleBeforeProbe is how long a connection may sit idle before a
	// liveness probe is required on checkout.
	IdleBeforeProbe time.Duration `yaml:"idle_before_probe"`
}

// SocketConfig shapes individual connections.
type SocketConfig struct {
	// ConnectTimeout bounds TCP connect, TLS upgrade, handshake and
	// authentication for one dial.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// MaxChunkSize caps outgoing chunk payloads.
	MaxChunkSize int `yaml:"max_chunk_size"`
	// UserAgent identifies this client to servers.
	UserAgent string `yaml:"user_agent"`
}

// RetryConfig shapes the managed-transaction retry policy. Delays grow by
// Multiplier per attempt with ±Jitter randomization and the whole effort is
// bounded by MaxRetryTime of wall clock from the first failure.
type RetryConfig struct {
	MaxRetryTime time.Duration `yaml:"max_retry_time"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// RoutingConfig shapes routing table caching.
type RoutingConfig struct {
	// TableTTL overrides the server-supplied routing table TTL when
	// positive.
	TableTTL time.Duration `yaml:"table_ttl"`
}

// LoggingConfig selects driver log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Defaults returns the configuration the driver ships with.
func Defaults() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxSize:               100,
			MaxConnectionLifetime: time.Hour,
			AcquisitionTimeout:    60 * time.Second,
			IdleBeforeProbe:       time.Minute,
		},
		Socket: SocketConfig{
			ConnectTimeout: 30 * time.Second,
			MaxChunkSize:   16384,
			UserAgent:      "nornic-go/0.1.0",
		},
		Retry: RetryConfig{
			MaxRetryTime: 30 * time.Second,
			InitialDelay: time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
		},
		Routing: RoutingConfig{},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadFromFile reads a YAML config file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays NORNIC_* environment variables onto the config.
func (c *Config) ApplyEnv() error {
	var err error
	c.Pool.MaxSize = envInt("NORNIC_MAX_POOL_SIZE", c.Pool.MaxSize, &err)
	c.Pool.MaxConnectionLifetime = envDuration("NORNIC_MAX_CONNECTION_LIFETIME", c.Pool.MaxConnectionLifetime, &err)
	c.Pool.AcquisitionTimeout = envDuration("NORNIC_CONNECTION_ACQUISITION_TIMEOUT", c.Pool.AcquisitionTimeout, &err)
	c.Pool.IdleBeforeProbe = envDuration("NORNIC_IDLE_BEFORE_PROBE", c.Pool.IdleBeforeProbe, &err)
	c.Socket.ConnectTimeout = envDuration("NORNIC_CONNECT_TIMEOUT", c.Socket.ConnectTimeout, &err)
	c.Socket.MaxChunkSize = envInt("NORNIC_MAX_CHUNK_SIZE", c.Socket.MaxChunkSize, &err)
	c.Retry.MaxRetryTime = envDuration("NORNIC_MAX_RETRY_TIME", c.Retry.MaxRetryTime, &err)
	c.Retry.InitialDelay = envDuration("NORNIC_INITIAL_RETRY_DELAY", c.Retry.InitialDelay, &err)
	c.Retry.Multiplier = envFloat("NORNIC_RETRY_MULTIPLIER", c.Retry.Multiplier, &err)
	c.Retry.Jitter = envFloat("NORNIC_RETRY_JITTER", c.Retry.Jitter, &err)
	c.Routing.TableTTL = envDuration("NORNIC_ROUTING_TABLE_TTL", c.Routing.TableTTL, &err)
	if v := os.Getenv("NORNIC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return err
}

// Validate rejects configurations the driver cannot run with.
func (c *Config) Validate() error {
	if c.Pool.MaxSize < 1 {
		return fmt.Errorf("config: pool max size must be >= 1, got %d", c.Pool.MaxSize)
	}
	if c.Socket.MaxChunkSize < 1 || c.Socket.MaxChunkSize > 65535 {
		return fmt.Errorf("config: max chunk size must be in 1..65535, got %d", c.Socket.MaxChunkSize)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config: retry multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("config: retry jitter must be in [0, 1), got %v", c.Retry.Jitter)
	}
	if c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("config: initial retry delay must be positive, got %v", c.Retry.InitialDelay)
	}
	return nil
}

func envInt(key string, fallback int, errOut *error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errOut = fmt.Errorf("config: %s: %w", key, err)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64, errOut *error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errOut = fmt.Errorf("config: %s: %w", key, err)
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration, errOut *error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errOut = fmt.Errorf("config: %s: %w", key, err)
		return fallback
	}
	return d
}
