// Package config holds all configuration types and loading logic for pubs.
// Fields are only ever added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a pubs invocation.
type Config struct {
	Broker  BrokerConfig  `yaml:"broker"`
	Receive ReceiveConfig `yaml:"receive"`
	Renew   RenewConfig   `yaml:"renew"`
	Send    SendConfig    `yaml:"send"`
	Purge   PurgeConfig   `yaml:"purge"`
	Local   LocalConfig   `yaml:"local"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// BrokerKind selects the broker implementation.
type BrokerKind string

const (
	BrokerLocal BrokerKind = "local" // in-process bbolt-backed bus, the default
	BrokerAzure BrokerKind = "azure" // Azure Service Bus
)

// BrokerConfig selects and addresses the broker.
type BrokerConfig struct {
	Kind BrokerKind `yaml:"kind"`
	// ConnectionString is the Service Bus connection string (kind azure).
	ConnectionString string `yaml:"connection_string"`
}

// ReceiveConfig tunes the drain loop.
type ReceiveConfig struct {
	BatchSize int `yaml:"batch_size"`
	// DefaultWindow bounds one fetch or session accept when no deadline is
	// tighter.
	DefaultWindow time.Duration `yaml:"default_window"`
	IdleDelay     time.Duration `yaml:"idle_delay"`
	MaxIdleDelay  time.Duration `yaml:"max_idle_delay"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`
}

// RenewConfig tunes the session lock renewer.
type RenewConfig struct {
	RenewAhead time.Duration `yaml:"renew_ahead"`
	MinDelay   time.Duration `yaml:"min_delay"`
}

// SendConfig tunes the dispatcher.
type SendConfig struct {
	MaxBatch int `yaml:"max_batch"`
	// MaxRate is messages per second across the whole send. Zero disables
	// throttling.
	MaxRate float64 `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst                 int `yaml:"burst"`
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`
}

// PurgeConfig tunes purge.
type PurgeConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Wait      time.Duration `yaml:"wait"`
}

// LocalConfig configures the in-process broker (kind local).
type LocalConfig struct {
	// Path is the bbolt file. Empty keeps everything in memory, which only
	// makes sense for a single invocation.
	Path            string         `yaml:"path"`
	MaxMessageBytes int            `yaml:"max_message_bytes"`
	Entities        []EntityConfig `yaml:"entities"`
}

// EntityConfig declares one local queue or topic subscription.
type EntityConfig struct {
	Queue            string        `yaml:"queue"`
	Topic            string        `yaml:"topic"`
	Subscription     string        `yaml:"subscription"`
	RequiresSession  bool          `yaml:"requires_session"`
	LockDuration     time.Duration `yaml:"lock_duration"`
	MaxDeliveryCount int           `yaml:"max_delivery_count"`
}

// LogConfig controls structured logging on stderr.
type LogConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig controls the Prometheus listener that runs for the lifetime
// of a command, which is mostly useful with receive --follow.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Kind: BrokerLocal,
		},
		Receive: ReceiveConfig{
			BatchSize:     10,
			DefaultWindow: 30 * time.Second,
			IdleDelay:     time.Second,
			MaxIdleDelay:  5 * time.Second,
			SettleTimeout: 10 * time.Second,
		},
		Renew: RenewConfig{
			RenewAhead: 10 * time.Second,
			MinDelay:   time.Second,
		},
		Send: SendConfig{
			MaxBatch: 100,
			Burst:    100,
		},
		Purge: PurgeConfig{
			BatchSize: 50,
			Wait:      time.Second,
		},
		Local: LocalConfig{
			Path:            "./pubs.db",
			MaxMessageBytes: 256 * 1024,
			Entities:        []EntityConfig{},
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// so pubs runs with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	PUBS_CONNECTION_STRING: sets broker.connection_string and broker.kind = azure
//	PUBS_BROKER: sets broker.kind
//	PUBS_LOCAL_PATH: sets local.path
//	PUBS_LOG_LEVEL: sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PUBS_CONNECTION_STRING"); v != "" {
		cfg.Broker.ConnectionString = v
		cfg.Broker.Kind = BrokerAzure
	}
	if v := os.Getenv("PUBS_BROKER"); v != "" {
		cfg.Broker.Kind = BrokerKind(strings.ToLower(v))
	}
	if v := os.Getenv("PUBS_LOCAL_PATH"); v != "" {
		cfg.Local.Path = v
	}
	if v := os.Getenv("PUBS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case BrokerLocal:
	case BrokerAzure:
		if c.Broker.ConnectionString == "" {
			return errors.New("broker.connection_string is required for kind azure")
		}
	default:
		return errors.New(`broker.kind must be one of "local", "azure"`)
	}

	if c.Receive.BatchSize < 1 {
		return errors.New("receive.batch_size must be at least 1")
	}
	if c.Receive.DefaultWindow <= 0 {
		return errors.New("receive.default_window must be positive")
	}
	if c.Receive.IdleDelay <= 0 {
		return errors.New("receive.idle_delay must be positive")
	}
	if c.Receive.MaxIdleDelay < c.Receive.IdleDelay {
		return errors.New("receive.max_idle_delay must not be below receive.idle_delay")
	}
	if c.Receive.SettleTimeout <= 0 {
		return errors.New("receive.settle_timeout must be positive")
	}

	if c.Renew.RenewAhead < 0 {
		return errors.New("renew.renew_ahead must be >= 0")
	}
	if c.Renew.MinDelay <= 0 {
		return errors.New("renew.min_delay must be positive")
	}

	if c.Send.MaxBatch < 1 {
		return errors.New("send.max_batch must be at least 1")
	}
	if c.Send.MaxRate < 0 {
		return errors.New("send.max_rate must be >= 0")
	}
	if c.Send.MaxRate > 0 && c.Send.Burst < 1 {
		return errors.New("send.burst must be at least 1 when send.max_rate is set")
	}
	if c.Send.MaxConcurrentSessions < 0 {
		return errors.New("send.max_concurrent_sessions must be >= 0")
	}

	if c.Purge.BatchSize < 1 {
		return errors.New("purge.batch_size must be at least 1")
	}
	if c.Purge.Wait <= 0 {
		return errors.New("purge.wait must be positive")
	}

	if c.Local.MaxMessageBytes < 1 {
		return errors.New("local.max_message_bytes must be at least 1")
	}
	for i, e := range c.Local.Entities {
		if err := e.validate(); err != nil {
			return fmt.Errorf("local.entities[%d]: %w", i, err)
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	return nil
}

func (e EntityConfig) validate() error {
	switch {
	case e.Queue != "" && (e.Topic != "" || e.Subscription != ""):
		return errors.New("queue and topic/subscription are mutually exclusive")
	case e.Queue == "" && (e.Topic == "" || e.Subscription == ""):
		return errors.New("either queue or topic and subscription is required")
	case e.LockDuration < 0:
		return errors.New("lock_duration must be >= 0")
	}
	return nil
}
