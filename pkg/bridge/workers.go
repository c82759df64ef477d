package bridge

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BusPublisher is the sink workers publish envelopes to.
type BusPublisher interface {
	Publish(subject string, data []byte) error
}

// TraceInjector supplies optional trace-context pairs for envelopes. A nil
// injector, or a nil return, yields envelopes without trace context.
type TraceInjector interface {
	Inject(ctx context.Context) map[string]string
}

// WorkerPoolConfig contains configuration for the worker pool.
type WorkerPoolConfig struct {
	// Workers is the number of concurrent workers.
	Workers int

	// Subject is the bus subject envelopes are published to.
	Subject string

	// Injector provides optional trace context. May be nil.
	Injector TraceInjector

	// NewID generates envelope message ids.
	NewID IDGenerator

	// Clock is the time source for envelope timestamps.
	Clock Clock

	// Logger is the logger instance.
	Logger *zap.Logger
}

// DefaultWorkerPoolConfig returns a default worker pool configuration.
func DefaultWorkerPoolConfig() *WorkerPoolConfig {
	return &WorkerPoolConfig{
		Workers: 5,
		Subject: "binance.websocket.data",
		NewID:   NewMessageID,
		Clock:   SystemClock(),
		Logger:  zap.NewNop(),
	}
}

// WorkerPool drains the bounded queue, wraps each frame in an envelope and
// publishes it under the bus circuit breaker. Delivery is at-most-once: a
// failed publish drops the frame after one attempt.
type WorkerPool struct {
	config    *WorkerPoolConfig
	queue     *Queue
	publisher BusPublisher
	breaker   *Breaker
	metrics   *Metrics
}

// NewWorkerPool creates a worker pool over the given queue and publisher.
func NewWorkerPool(config *WorkerPoolConfig, queue *Queue, publisher BusPublisher, breaker *Breaker, metrics *Metrics) *WorkerPool {
	if config == nil {
		config = DefaultWorkerPoolConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 5
	}
	if config.NewID == nil {
		config.NewID = NewMessageID
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &WorkerPool{
		config:    config,
		queue:     queue,
		publisher: publisher,
		breaker:   breaker,
		metrics:   metrics,
	}
}

// Run starts the workers and blocks until all of them exit. Workers exit
// when the queue is closed and drained, or when ctx is cancelled.
func (w *WorkerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Workers; i++ {
		id := i
		g.Go(func() error {
			w.worker(gctx, id)
			return nil
		})
	}
	return g.Wait()
}

// worker is one consumer loop. Envelope timestamps it produces are
// monotonic: the clock reading is clamped to never run backwards within a
// worker.
func (w *WorkerPool) worker(ctx context.Context, id int) {
	logger := w.config.Logger.With(zap.Int("worker", id))
	logger.Debug("Worker started")
	defer logger.Debug("Worker stopped")

	var lastTS time.Time
	for {
		frame, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}

		ts := w.config.Clock.Now()
		if ts.Before(lastTS) {
			ts = lastTS
		} else {
			lastTS = ts
		}

		var traceContext map[string]string
		if w.config.Injector != nil {
			traceContext = w.config.Injector.Inject(ctx)
		}

		env, err := NewEnvelope(frame.Stream, frame.Payload, ts, w.config.NewID(), traceContext)
		if err != nil {
			// The session never enqueues an empty stream; guard anyway.
			w.metrics.IncPublishError("other")
			logger.Error("Dropping unbuildable envelope", zap.Error(err))
			continue
		}

		data, err := env.Marshal()
		if err != nil {
			w.metrics.IncPublishError("other")
			logger.Error("Dropping unserializable envelope",
				zap.String("stream", env.Stream),
				zap.Error(err))
			continue
		}

		err = w.breaker.Execute(func() error {
			return w.publisher.Publish(w.config.Subject, data)
		})
		if err != nil {
			w.recordPublishFailure(logger, env.Stream, err)
			continue
		}
		w.metrics.IncProcessed()
	}
}

func (w *WorkerPool) recordPublishFailure(logger *zap.Logger, stream string, err error) {
	var class string
	switch {
	case errors.Is(err, ErrBreakerOpen):
		class = "breaker_open"
	case errors.Is(err, ErrDisconnected):
		class = "disconnected"
	case errors.Is(err, ErrTimeout):
		class = "timeout"
	default:
		class = "other"
	}
	w.metrics.IncPublishError(class)
	logger.Warn("Publish failed, dropping envelope",
		zap.String("stream", stream),
		zap.String("class", class),
		zap.Error(err))
}
