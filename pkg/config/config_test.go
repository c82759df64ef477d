package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "binance-bridge", cfg.ServiceID)
	assert.Equal(t, "wss://stream.binance.com:9443", cfg.Upstream.URL)
	assert.Equal(t, []string{"btcusdt@trade", "btcusdt@ticker", "btcusdt@depth20@100ms"}, cfg.Upstream.Streams)
	assert.Equal(t, 30*time.Second, cfg.Upstream.PingInterval)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "binance.websocket.data", cfg.NATS.Subject)
	assert.Equal(t, 5000, cfg.Queue.Capacity)
	assert.Equal(t, 5, cfg.Workers.Count)
	assert.Equal(t, 5*time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 10, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 60*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, ":8080", cfg.Health.Addr)
	assert.False(t, cfg.Store.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	content := `
upstream:
  streams:
    - ethusdt@trade
nats:
  subject: market.events
workers:
  count: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"ethusdt@trade"}, cfg.Upstream.Streams)
	assert.Equal(t, "market.events", cfg.NATS.Subject)
	assert.Equal(t, 8, cfg.Workers.Count)
	// Untouched values keep their defaults.
	assert.Equal(t, "wss://stream.binance.com:9443", cfg.Upstream.URL)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nats:\n  url: nats://from-file:4222\n"), 0o600))

	t.Setenv("BRIDGE_NATS__URL", "nats://from-env:4222")
	t.Setenv("BRIDGE_QUEUE__CAPACITY", "1234")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://from-env:4222", cfg.NATS.URL)
	assert.Equal(t, 1234, cfg.Queue.Capacity)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/bridge.yaml")
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Upstream.URL = "http://not-websocket"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Upstream.Streams = nil
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.NATS.Subject = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Queue.Capacity = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Workers.Count = -1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Reconnect.MaxAttempts = 0
	assert.Error(t, cfg.Validate())
}
