package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSupervisor(t *testing.T, upstreamURL string, bus BusConnection) (*Supervisor, *Metrics, *fakeBus) {
	t.Helper()

	metrics := NewMetrics(SystemClock(), nil)

	fb, _ := bus.(*fakeBus)
	if bus == nil {
		fb = &fakeBus{}
		bus = fb
	}

	session := newTestSession(t, upstreamURL, metrics)
	queue := NewQueue(&QueueConfig{Capacity: 100, Logger: zaptest.NewLogger(t)}, metrics)

	dialBreaker := newTestBreaker(t, SystemClock(), 100, time.Minute)
	publishBreaker := newTestBreaker(t, SystemClock(), 100, time.Minute)

	pool := NewWorkerPool(&WorkerPoolConfig{
		Workers: 2,
		Subject: "binance.websocket.data",
		Logger:  zaptest.NewLogger(t),
	}, queue, bus, publishBreaker, metrics)

	cfg := DefaultSupervisorConfig()
	cfg.Session = session
	cfg.Bus = bus
	cfg.Queue = queue
	cfg.Workers = pool
	cfg.DialBreaker = dialBreaker
	cfg.PublishBreaker = publishBreaker
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.ReconnectMaxDelay = 200 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	cfg.BusConnectWait = 10 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.DrainDeadline = time.Second
	cfg.Jitter = func() time.Duration { return 0 }
	cfg.Metrics = metrics
	cfg.Logger = zaptest.NewLogger(t)

	sup, err := NewSupervisor(cfg)
	require.NoError(t, err)
	return sup, metrics, fb
}

func TestNewSupervisorValidatesComponents(t *testing.T) {
	_, err := NewSupervisor(nil)
	assert.Error(t, err)

	cfg := DefaultSupervisorConfig()
	_, err = NewSupervisor(cfg)
	assert.Error(t, err)
}

func TestBackoffDelayWindow(t *testing.T) {
	metrics := NewMetrics(SystemClock(), nil)
	session := newTestSession(t, "ws://127.0.0.1:1", metrics)
	queue := NewQueue(DefaultQueueConfig(), metrics)
	bus := &fakeBus{}
	pool := NewWorkerPool(nil, queue, bus, newTestBreaker(t, SystemClock(), 5, time.Minute), metrics)

	var jitter time.Duration
	cfg := DefaultSupervisorConfig()
	cfg.Session = session
	cfg.Bus = bus
	cfg.Queue = queue
	cfg.Workers = pool
	cfg.DialBreaker = newTestBreaker(t, SystemClock(), 5, time.Minute)
	cfg.PublishBreaker = newTestBreaker(t, SystemClock(), 5, time.Minute)
	cfg.Metrics = metrics
	cfg.ReconnectBaseDelay = 5 * time.Second
	cfg.ReconnectMaxDelay = 60 * time.Second
	cfg.Jitter = func() time.Duration { return jitter }

	sup, err := NewSupervisor(cfg)
	require.NoError(t, err)

	// Without jitter the delay is exactly base * 2^(n-1), capped.
	assert.Equal(t, 5*time.Second, sup.backoffDelay(1))
	assert.Equal(t, 10*time.Second, sup.backoffDelay(2))
	assert.Equal(t, 20*time.Second, sup.backoffDelay(3))
	assert.Equal(t, 40*time.Second, sup.backoffDelay(4))
	assert.Equal(t, 60*time.Second, sup.backoffDelay(5))
	assert.Equal(t, 60*time.Second, sup.backoffDelay(50))

	// Jitter is additive and stays within one extra second.
	jitter = 999 * time.Millisecond
	delay := sup.backoffDelay(2)
	assert.GreaterOrEqual(t, delay, 10*time.Second)
	assert.Less(t, delay, 11*time.Second)

	// The cap applies after jitter too.
	assert.Equal(t, 60*time.Second, sup.backoffDelay(5))
}

func TestSupervisorEndToEndPublish(t *testing.T) {
	stub := newUpstreamStub(t, func(t *testing.T, conn *websocket.Conn) {
		trade := `{"e":"trade","s":"BTCUSDT","p":"50000.00","q":"0.001"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(trade)))
		drainIncoming(conn)
	})
	defer stub.Close()

	sup, metrics, bus := newTestSupervisor(t, stub.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))

	waitFor(t, 3*time.Second, func() bool { return bus.count() >= 1 }, "envelope should reach the bus")
	waitFor(t, time.Second, func() bool { return sup.Ready() }, "bridge should be ready")

	assert.Equal(t, int64(1), metrics.ProcessedTotal())
	assert.True(t, sup.Healthy())

	sup.Stop(time.Second)
	assert.Equal(t, StateStopped, sup.State())
	assert.False(t, sup.Ready())
}

func TestSupervisorReconnectsAfterDisconnect(t *testing.T) {
	var conns atomic.Int32
	stub := newUpstreamStub(t, func(t *testing.T, conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			// Drop the first connection right after the handshake.
			return
		}
		trade := `{"e":"trade","s":"BTCUSDT","p":"50000.00"}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(trade)))
		drainIncoming(conn)
	})
	defer stub.Close()

	sup, metrics, bus := newTestSupervisor(t, stub.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))

	waitFor(t, 5*time.Second, func() bool { return bus.count() >= 1 },
		"bridge should republish after reconnecting")
	assert.GreaterOrEqual(t, metrics.Snapshot().ReconnectAttempts, int64(1))
	assert.True(t, sup.Healthy())

	sup.Stop(time.Second)
}

func TestSupervisorFatalWhenBudgetExhausted(t *testing.T) {
	sup, metrics, _ := newTestSupervisor(t, "ws://127.0.0.1:1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := sup.Run(ctx)
	require.ErrorIs(t, err, ErrReconnectBudgetExhausted)
	assert.False(t, sup.Healthy())
	assert.Equal(t, StateStopped, sup.State())
	assert.Equal(t, int64(3), metrics.Snapshot().ReconnectAttempts)
}

func TestSupervisorStopDrainsQueue(t *testing.T) {
	stub := newUpstreamStub(t, func(t *testing.T, conn *websocket.Conn) {
		for i := 0; i < 50; i++ {
			trade := `{"e":"trade","s":"BTCUSDT","p":"50000.00"}`
			if err := conn.WriteMessage(websocket.TextMessage, []byte(trade)); err != nil {
				return
			}
		}
		drainIncoming(conn)
	})
	defer stub.Close()

	sup, metrics, bus := newTestSupervisor(t, stub.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))

	waitFor(t, 3*time.Second, func() bool { return metrics.FramesRead() >= 50 },
		"all frames should be read")

	sup.Stop(2 * time.Second)

	// Everything read was either published or counted as dropped.
	snap := sup.Snapshot()
	assert.Equal(t, snap.FramesRead, snap.ProcessedTotal+snap.DroppedTotal+snap.ParseSkipped)
	assert.Equal(t, int64(50), snap.ProcessedTotal)
	assert.Equal(t, 50, bus.count())
}

func TestSupervisorStopBeforeStartIsSafe(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "ws://127.0.0.1:1", nil)
	assert.NotPanics(t, func() { sup.Stop(time.Second) })
	assert.Equal(t, StateStopped, sup.State())
}

func TestSupervisorBusAcquisitionRetries(t *testing.T) {
	stub := newUpstreamStub(t, func(t *testing.T, conn *websocket.Conn) {
		drainIncoming(conn)
	})
	defer stub.Close()

	bus := &fakeBus{connectErr: errBoom}
	sup, _, _ := newTestSupervisor(t, stub.URL, bus)

	go func() {
		time.Sleep(50 * time.Millisecond)
		bus.mu.Lock()
		bus.connectErr = nil
		bus.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	waitFor(t, 2*time.Second, func() bool { return bus.IsConnected() }, "bus should connect after retries")

	sup.Stop(time.Second)
}
