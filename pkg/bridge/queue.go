package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// QueueConfig contains configuration for the bounded queue.
type QueueConfig struct {
	// Capacity is the fixed queue capacity.
	Capacity int

	// WarnThrottle bounds drop warnings to one per window.
	WarnThrottle time.Duration

	// Clock is the time source used for warn throttling.
	Clock Clock

	// Logger is the logger instance.
	Logger *zap.Logger
}

// DefaultQueueConfig returns a default queue configuration.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Capacity:     5000,
		WarnThrottle: time.Second,
		Clock:        SystemClock(),
		Logger:       zap.NewNop(),
	}
}

// Queue is the fixed-capacity FIFO hand-off between the single upstream
// reader and the worker pool. Enqueue never blocks: when the queue is full
// the incoming frame is dropped, preserving historical position, because a
// blocked reader would back up the TCP receive window and get the remote to
// force a disconnect.
type Queue struct {
	config *QueueConfig

	ch        chan Frame
	metrics   *Metrics
	closed    atomic.Bool
	closeOnce sync.Once
	lastWarn  atomic.Int64 // unix nanos of last drop warning
}

// NewQueue creates a bounded queue reporting drops to metrics.
func NewQueue(config *QueueConfig, metrics *Metrics) *Queue {
	if config == nil {
		config = DefaultQueueConfig()
	}
	if config.Capacity <= 0 {
		config.Capacity = 5000
	}
	if config.WarnThrottle <= 0 {
		config.WarnThrottle = time.Second
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	q := &Queue{
		config:  config,
		ch:      make(chan Frame, config.Capacity),
		metrics: metrics,
	}
	if metrics != nil {
		metrics.BindQueue(q)
	}
	return q
}

// Enqueue offers a frame to the queue without blocking. It reports whether
// the frame was accepted; rejected frames are counted as dropped.
func (q *Queue) Enqueue(f Frame) bool {
	if q.closed.Load() {
		q.drop(f, "queue closed")
		return false
	}
	select {
	case q.ch <- f:
		return true
	default:
		q.drop(f, "queue full")
		return false
	}
}

func (q *Queue) drop(f Frame, reason string) {
	if q.metrics != nil {
		q.metrics.IncDropped(1)
	}

	now := q.config.Clock.Now().UnixNano()
	last := q.lastWarn.Load()
	if now-last >= int64(q.config.WarnThrottle) && q.lastWarn.CompareAndSwap(last, now) {
		q.config.Logger.Warn("Dropping frame",
			zap.String("reason", reason),
			zap.String("stream", f.Stream),
			zap.Int("queue_size", len(q.ch)),
			zap.Int("queue_capacity", cap(q.ch)))
	}
}

// Dequeue blocks until a frame is available, the queue is closed and
// drained, or ctx is done. ok is false only in the latter two cases.
func (q *Queue) Dequeue(ctx context.Context) (Frame, bool) {
	select {
	case f, open := <-q.ch:
		if !open {
			return Frame{}, false
		}
		return f, true
	case <-ctx.Done():
		return Frame{}, false
	}
}

// CloseInput stops the queue from accepting new frames. Frames already
// queued remain dequeueable until drained. Safe to call more than once.
func (q *Queue) CloseInput() {
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		close(q.ch)
	})
}

// DrainRemaining empties the queue, counting every remaining frame as
// dropped. Called by the supervisor when the drain deadline elapses.
func (q *Queue) DrainRemaining() int {
	var n int
	for {
		select {
		case _, open := <-q.ch:
			if !open {
				if n > 0 && q.metrics != nil {
					q.metrics.IncDropped(int64(n))
				}
				return n
			}
			n++
		default:
			if n > 0 && q.metrics != nil {
				q.metrics.IncDropped(int64(n))
			}
			return n
		}
	}
}

// Len returns the number of frames currently queued.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the fixed queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }
