// Package config provides configuration loading for the exchangehall daemon.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete daemon configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Tokens     TokenConfig      `yaml:"tokens"`
	Sealing    SealingConfig    `yaml:"sealing"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Listings   ListingsConfig   `yaml:"listings"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DatabaseConfig configures the postgres connection.
type DatabaseConfig struct {
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
	// MaxConns caps the pool size (0 = pgx default).
	MaxConns int32 `yaml:"max_conns"`
	// MaxConnLifetime recycles connections older than this (0 = pgx default).
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// TokenConfig configures service-token issuance for the command surface.
type TokenConfig struct {
	// Secret signs issued tokens. Required.
	Secret string `yaml:"secret"`
	// TTL bounds token validity (default: 24h).
	TTL time.Duration `yaml:"ttl"`
	// Issuer is embedded in issued tokens.
	Issuer string `yaml:"issuer"`
}

// SealingConfig configures at-rest sealing of listing payloads.
type SealingConfig struct {
	// Key is a hex-encoded 32-byte key. Required.
	Key string `yaml:"key"`
}

// DispatcherConfig configures the notification delivery loop.
type DispatcherConfig struct {
	// PollInterval is how often pending notifications are picked up.
	PollInterval time.Duration `yaml:"poll_interval"`
	// BatchSize bounds how many notifications one pass claims.
	BatchSize int `yaml:"batch_size"`
	// MaxAttempts is the delivery retry ceiling before a notification
	// is marked failed.
	MaxAttempts int `yaml:"max_attempts"`
}

// ListingsConfig configures the stale-listing sweep.
type ListingsConfig struct {
	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// MaxAge expires published listings that stay unsold this long.
	MaxAge time.Duration `yaml:"max_age"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled).
	Addr string `yaml:"addr"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Development switches to the human-readable console encoder.
	Development bool `yaml:"development"`
}

// DefaultConfig returns a Config with sensible defaults. Database DSN,
// token secret and sealing key have no defaults and must be provided.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxConns:        8,
			MaxConnLifetime: time.Hour,
		},
		Tokens: TokenConfig{
			TTL:    24 * time.Hour,
			Issuer: "exchangehall",
		},
		Dispatcher: DispatcherConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    32,
			MaxAttempts:  5,
		},
		Listings: ListingsConfig{
			SweepInterval: time.Hour,
			MaxAge:        30 * 24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Addr: ":9185",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Tokens.Secret == "" {
		return fmt.Errorf("tokens.secret is required")
	}
	if c.Tokens.TTL <= 0 {
		return fmt.Errorf("tokens.ttl must be positive")
	}
	if _, err := c.SealingKey(); err != nil {
		return err
	}
	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("dispatcher.poll_interval must be positive")
	}
	if c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("dispatcher.batch_size must be positive")
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		return fmt.Errorf("dispatcher.max_attempts must be positive")
	}
	if c.Listings.SweepInterval <= 0 {
		return fmt.Errorf("listings.sweep_interval must be positive")
	}
	if c.Listings.MaxAge <= 0 {
		return fmt.Errorf("listings.max_age must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// SealingKey decodes the configured hex key into the 32-byte form the
// sealer expects.
func (c *Config) SealingKey() (*[32]byte, error) {
	raw, err := hex.DecodeString(c.Sealing.Key)
	if err != nil {
		return nil, fmt.Errorf("sealing.key must be hex encoded: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("sealing.key must decode to 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// LoadFromFile loads configuration from a YAML file layered over defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}
