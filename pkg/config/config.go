// Package config loads the bridge configuration from defaults, an optional
// YAML file and BRIDGE_-prefixed environment variables, in that order of
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "BRIDGE_"

// Config is the full bridge configuration. Every field has a default so the
// bridge runs with zero configuration.
type Config struct {
	ServiceID string          `koanf:"service_id"`
	Debug     bool            `koanf:"debug"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	NATS      NATSConfig      `koanf:"nats"`
	Queue     QueueConfig     `koanf:"queue"`
	Workers   WorkersConfig   `koanf:"workers"`
	Reconnect ReconnectConfig `koanf:"reconnect"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Heartbeat HeartbeatConfig `koanf:"heartbeat"`
	Shutdown  ShutdownConfig  `koanf:"shutdown"`
	Health    HealthConfig    `koanf:"health"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Store     StoreConfig     `koanf:"store"`
}

// UpstreamConfig configures the upstream websocket session.
type UpstreamConfig struct {
	URL              string        `koanf:"url"`
	Streams          []string      `koanf:"streams"`
	DialTimeout      time.Duration `koanf:"dial_timeout"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
	PingInterval     time.Duration `koanf:"ping_interval"`
	ReadTimeout      time.Duration `koanf:"read_timeout"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	ReadLimit        int64         `koanf:"read_limit"`
}

// NATSConfig configures the bus connection.
type NATSConfig struct {
	URL           string        `koanf:"url"`
	Subject       string        `koanf:"subject"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
	FlushTimeout  time.Duration `koanf:"flush_timeout"`
}

// QueueConfig configures the bounded queue.
type QueueConfig struct {
	Capacity     int           `koanf:"capacity"`
	WarnThrottle time.Duration `koanf:"warn_throttle"`
}

// WorkersConfig configures the worker pool.
type WorkersConfig struct {
	Count int `koanf:"count"`
}

// ReconnectConfig configures the supervisor's backoff.
type ReconnectConfig struct {
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	MaxAttempts int           `koanf:"max_attempts"`
}

// BreakerConfig configures both circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout"`
}

// HeartbeatConfig configures the heartbeat log loop.
type HeartbeatConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// ShutdownConfig configures the drain behavior on stop.
type ShutdownConfig struct {
	DrainDeadline time.Duration `koanf:"drain_deadline"`
}

// HealthConfig configures the HTTP health surface.
type HealthConfig struct {
	Addr string `koanf:"addr"`
}

// TelemetryConfig configures the optional tracer. An empty endpoint
// disables tracing.
type TelemetryConfig struct {
	Endpoint string `koanf:"endpoint"`
}

// StoreConfig configures the optional runtime-configuration store.
type StoreConfig struct {
	Enabled bool   `koanf:"enabled"`
	Bucket  string `koanf:"bucket"`
}

func defaults() map[string]any {
	return map[string]any{
		"service_id": "binance-bridge",
		"debug":      false,

		"upstream.url":               "wss://stream.binance.com:9443",
		"upstream.streams":           []string{"btcusdt@trade", "btcusdt@ticker", "btcusdt@depth20@100ms"},
		"upstream.dial_timeout":      10 * time.Second,
		"upstream.handshake_timeout": 10 * time.Second,
		"upstream.ping_interval":     30 * time.Second,
		"upstream.read_timeout":      90 * time.Second,
		"upstream.write_timeout":     5 * time.Second,
		"upstream.read_limit":        int64(2 * 1024 * 1024),

		"nats.url":            "nats://localhost:4222",
		"nats.subject":        "binance.websocket.data",
		"nats.max_reconnects": 60,
		"nats.reconnect_wait": 2 * time.Second,
		"nats.flush_timeout":  5 * time.Second,

		"queue.capacity":      5000,
		"queue.warn_throttle": time.Second,

		"workers.count": 5,

		"reconnect.base_delay":   5 * time.Second,
		"reconnect.max_delay":    60 * time.Second,
		"reconnect.max_attempts": 10,

		"breaker.failure_threshold": 5,
		"breaker.recovery_timeout":  60 * time.Second,

		"heartbeat.interval": 60 * time.Second,

		"shutdown.drain_deadline": 10 * time.Second,

		"health.addr": ":8080",

		"telemetry.endpoint": "",

		"store.enabled": false,
		"store.bucket":  "bridge-config",
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// non-empty, then environment variables. BRIDGE_NATS__URL overrides
// nats.url.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(key string) string {
		key = strings.TrimPrefix(key, envPrefix)
		return strings.ReplaceAll(strings.ToLower(key), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the bridge cannot run with.
func (c *Config) Validate() error {
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url must not be empty")
	}
	if !strings.HasPrefix(c.Upstream.URL, "ws://") && !strings.HasPrefix(c.Upstream.URL, "wss://") {
		return fmt.Errorf("upstream.url must use ws or wss scheme, got %q", c.Upstream.URL)
	}
	if len(c.Upstream.Streams) == 0 {
		return fmt.Errorf("upstream.streams must name at least one stream")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url must not be empty")
	}
	if c.NATS.Subject == "" {
		return fmt.Errorf("nats.subject must not be empty")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be positive, got %d", c.Workers.Count)
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be positive, got %d", c.Reconnect.MaxAttempts)
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	return nil
}
