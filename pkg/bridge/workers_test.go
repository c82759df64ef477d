package bridge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestPool(t *testing.T, workers int, queue *Queue, bus BusPublisher, breaker *Breaker, metrics *Metrics, clock Clock) *WorkerPool {
	t.Helper()
	var i int
	return NewWorkerPool(&WorkerPoolConfig{
		Workers: workers,
		Subject: "binance.websocket.data",
		NewID: func() string {
			i++
			return fmt.Sprintf("msg-%d", i)
		},
		Clock:  clock,
		Logger: zaptest.NewLogger(t),
	}, queue, bus, breaker, metrics)
}

func TestWorkerPublishesEnvelopes(t *testing.T) {
	q, metrics := newTestQueue(t, 10)
	bus := &fakeBus{}
	breaker := newTestBreaker(t, newFakeClock(), 5, time.Minute)
	pool := newTestPool(t, 1, q, bus, breaker, metrics, newFakeClock())

	payload := map[string]any{"e": "trade", "s": "BTCUSDT", "p": "50000.00"}
	q.Enqueue(Frame{Stream: "btcusdt@trade", Payload: payload})
	q.CloseInput()

	require.NoError(t, pool.Run(context.Background()))

	require.Equal(t, 1, bus.count())
	assert.Equal(t, int64(1), metrics.ProcessedTotal())

	var env Envelope
	require.NoError(t, json.Unmarshal(bus.message(0), &env))
	assert.Equal(t, "btcusdt@trade", env.Stream)
	assert.Equal(t, "binance-websocket", env.Source)
	assert.Equal(t, "1.0", env.Version)
	assert.NotEmpty(t, env.MessageID)
	assert.Equal(t, "50000.00", env.Data["p"])
}

func TestWorkerPreservesSingleStreamOrder(t *testing.T) {
	q, metrics := newTestQueue(t, 100)
	bus := &fakeBus{}
	breaker := newTestBreaker(t, newFakeClock(), 5, time.Minute)
	pool := newTestPool(t, 1, q, bus, breaker, metrics, newFakeClock())

	for i := 0; i < 20; i++ {
		q.Enqueue(Frame{Stream: "btcusdt@trade", Payload: map[string]any{"t": float64(i)}})
	}
	q.CloseInput()
	require.NoError(t, pool.Run(context.Background()))

	require.Equal(t, 20, bus.count())
	for i := 0; i < 20; i++ {
		var env Envelope
		require.NoError(t, json.Unmarshal(bus.message(i), &env))
		assert.Equal(t, float64(i), env.Data["t"])
	}
}

func TestWorkerTimestampsAreMonotonic(t *testing.T) {
	q, metrics := newTestQueue(t, 10)
	bus := &fakeBus{}
	breaker := newTestBreaker(t, newFakeClock(), 5, time.Minute)

	// A clock that steps backwards between readings.
	clock := newFakeClock()
	pool := newTestPool(t, 1, q, bus, breaker, metrics, clock)

	q.Enqueue(Frame{Stream: "s@trade", Payload: map[string]any{"n": 1.0}})
	q.Enqueue(Frame{Stream: "s@trade", Payload: map[string]any{"n": 2.0}})

	go func() {
		for bus.count() < 1 {
			time.Sleep(5 * time.Millisecond)
		}
		clock.Advance(-10 * time.Second)
		q.Enqueue(Frame{Stream: "s@trade", Payload: map[string]any{"n": 3.0}})
		q.CloseInput()
	}()

	require.NoError(t, pool.Run(context.Background()))
	require.Equal(t, 3, bus.count())

	var prev string
	for i := 0; i < 3; i++ {
		var env Envelope
		require.NoError(t, json.Unmarshal(bus.message(i), &env))
		assert.GreaterOrEqual(t, env.Timestamp, prev)
		prev = env.Timestamp
	}
}

func TestWorkerClassifiesPublishFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"disconnected", fmt.Errorf("%w: gone", ErrDisconnected)},
		{"timeout", fmt.Errorf("%w: slow", ErrTimeout)},
		{"other", fmt.Errorf("%w: odd", ErrOther)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, metrics := newTestQueue(t, 10)
			bus := &fakeBus{}
			bus.setErr(tc.err)
			breaker := newTestBreaker(t, newFakeClock(), 100, time.Minute)
			pool := newTestPool(t, 1, q, bus, breaker, metrics, newFakeClock())

			q.Enqueue(Frame{Stream: "s@trade", Payload: map[string]any{}})
			q.CloseInput()
			require.NoError(t, pool.Run(context.Background()))

			// At-most-once: the frame is gone after one attempt and
			// counted as dropped.
			assert.Equal(t, int64(0), metrics.ProcessedTotal())
			snap := metrics.Snapshot()
			assert.Equal(t, int64(1), snap.PublishErrors[tc.name])
			assert.Equal(t, int64(1), snap.DroppedTotal)
		})
	}
}

func TestWorkerBreakerOpensOnBusOutage(t *testing.T) {
	q, metrics := newTestQueue(t, 100)
	bus := &fakeBus{}
	bus.setErr(fmt.Errorf("%w: outage", ErrDisconnected))
	breaker := newTestBreaker(t, newFakeClock(), 5, time.Minute)
	pool := newTestPool(t, 1, q, bus, breaker, metrics, newFakeClock())

	for i := 0; i < 8; i++ {
		q.Enqueue(Frame{Stream: "s@trade", Payload: map[string]any{}})
	}
	q.CloseInput()
	require.NoError(t, pool.Run(context.Background()))

	assert.Equal(t, BreakerOpen, breaker.State())
	snap := metrics.Snapshot()
	// Five counted failures trip the breaker; the rest fail fast.
	assert.Equal(t, int64(5), snap.PublishErrors["disconnected"])
	assert.Equal(t, int64(3), snap.PublishErrors["breaker_open"])
	assert.Equal(t, int64(8), snap.DroppedTotal)
	assert.Equal(t, int64(0), snap.ProcessedTotal)
}

func TestWorkersExitOnContextCancel(t *testing.T) {
	q, metrics := newTestQueue(t, 10)
	bus := &fakeBus{}
	breaker := newTestBreaker(t, newFakeClock(), 5, time.Minute)
	pool := newTestPool(t, 3, q, bus, breaker, metrics, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("workers did not exit on cancellation")
	}
}

func TestWorkerAccountingInvariant(t *testing.T) {
	q, metrics := newTestQueue(t, 50)
	bus := &fakeBus{}
	breaker := newTestBreaker(t, newFakeClock(), 1000, time.Minute)
	pool := newTestPool(t, 4, q, bus, breaker, metrics, newFakeClock())

	// Mixed success and failure under concurrency.
	for i := 0; i < 30; i++ {
		if i == 10 {
			bus.setErr(fmt.Errorf("%w: blip", ErrTimeout))
		}
		if i == 14 {
			bus.setErr(nil)
		}
		q.Enqueue(Frame{Stream: "s@trade", Payload: map[string]any{"i": float64(i)}})
	}
	q.CloseInput()
	require.NoError(t, pool.Run(context.Background()))

	snap := metrics.Snapshot()
	assert.Equal(t, int64(30), snap.ProcessedTotal+snap.DroppedTotal)
}
