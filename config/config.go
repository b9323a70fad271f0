// Package config holds the enumerated configuration values shared by the
// event store, ledger, and fan-out layers (spec §6).
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the enumerated configuration surface from spec §6.
type Config struct {
	// HeartbeatInterval is the server-to-client ping cadence.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is the close threshold if no pong is seen.
	HeartbeatTimeout time.Duration
	// MaxBufferSize is the per-subscription replay buffer cap.
	MaxBufferSize int
	// BaseReconnectDelay is the client backoff floor.
	BaseReconnectDelay time.Duration
	// MaxReconnectDelay is the client backoff ceiling.
	MaxReconnectDelay time.Duration
	// DefaultStaleThreshold is the default age threshold used by
	// reconciliation to classify a run as stale.
	DefaultStaleThreshold time.Duration
	// Namespace prefixes keys/tables for multi-tenant isolation.
	Namespace string
}

// DefaultConfig returns the baseline configuration used when callers don't
// override individual fields.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		MaxBufferSize:         1024,
		BaseReconnectDelay:    500 * time.Millisecond,
		MaxReconnectDelay:     30 * time.Second,
		DefaultStaleThreshold: 5 * time.Minute,
	}
}

// yamlConfig mirrors Config but with millisecond-integer fields, matching the
// "_ms"-suffixed field names in spec §6's enumerated configuration.
type yamlConfig struct {
	HeartbeatIntervalMS     int64  `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS      int64  `yaml:"heartbeat_timeout_ms"`
	MaxBufferSize           int    `yaml:"max_buffer_size"`
	BaseReconnectDelayMS    int64  `yaml:"base_reconnect_delay_ms"`
	MaxReconnectDelayMS     int64  `yaml:"max_reconnect_delay_ms"`
	DefaultStaleThresholdMS int64  `yaml:"default_stale_threshold_ms"`
	Namespace               string `yaml:"namespace"`
}

// LoadFile reads a YAML configuration file and overlays it onto
// DefaultConfig. Fields absent from the file keep their default value.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Load(data)
}

// Load parses YAML configuration bytes and overlays them onto
// DefaultConfig.
func Load(data []byte) (Config, error) {
	cfg := DefaultConfig()
	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return Config{}, err
	}
	if y.HeartbeatIntervalMS > 0 {
		cfg.HeartbeatInterval = time.Duration(y.HeartbeatIntervalMS) * time.Millisecond
	}
	if y.HeartbeatTimeoutMS > 0 {
		cfg.HeartbeatTimeout = time.Duration(y.HeartbeatTimeoutMS) * time.Millisecond
	}
	if y.MaxBufferSize > 0 {
		cfg.MaxBufferSize = y.MaxBufferSize
	}
	if y.BaseReconnectDelayMS > 0 {
		cfg.BaseReconnectDelay = time.Duration(y.BaseReconnectDelayMS) * time.Millisecond
	}
	if y.MaxReconnectDelayMS > 0 {
		cfg.MaxReconnectDelay = time.Duration(y.MaxReconnectDelayMS) * time.Millisecond
	}
	if y.DefaultStaleThresholdMS > 0 {
		cfg.DefaultStaleThreshold = time.Duration(y.DefaultStaleThresholdMS) * time.Millisecond
	}
	if y.Namespace != "" {
		cfg.Namespace = y.Namespace
	}
	return cfg, nil
}
