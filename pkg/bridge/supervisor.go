package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrReconnectBudgetExhausted is the fatal reason returned when the
// supervisor gives up on the upstream endpoint.
var ErrReconnectBudgetExhausted = errors.New("upstream reconnection budget exhausted")

// BusConnection is the bus endpoint as the supervisor sees it.
type BusConnection interface {
	BusPublisher
	Connect(ctx context.Context) error
	IsConnected() bool
	Close() error
}

// SupervisorConfig contains the components and tuning knobs of the
// supervisor. Session, Bus, Queue and Workers are owned exclusively by the
// supervisor once passed in.
type SupervisorConfig struct {
	Session *Session
	Bus     BusConnection
	Queue   *Queue
	Workers *WorkerPool

	// DialBreaker guards upstream dial and handshake.
	DialBreaker *Breaker
	// PublishBreaker guards bus publishes; the workers execute under it,
	// the supervisor only reports its state.
	PublishBreaker *Breaker

	// ReconnectBaseDelay is the backoff base between upstream redials.
	ReconnectBaseDelay time.Duration
	// ReconnectMaxDelay caps the backoff.
	ReconnectMaxDelay time.Duration
	// MaxReconnectAttempts is the consecutive-failure budget before the
	// supervisor exits fatally.
	MaxReconnectAttempts int
	// BusConnectWait is the delay between bus connection attempts during
	// Start.
	BusConnectWait time.Duration
	// HeartbeatInterval is the cadence of the heartbeat log record.
	HeartbeatInterval time.Duration
	// DrainDeadline bounds queue draining during Stop when the caller
	// passes no explicit deadline.
	DrainDeadline time.Duration

	// Jitter returns the additive backoff jitter, uniform in [0, 1s) by
	// default.
	Jitter func() time.Duration

	Metrics *Metrics
	Clock   Clock
	Logger  *zap.Logger
}

// DefaultSupervisorConfig returns the supervisor tuning defaults; component
// fields must still be populated by the caller.
func DefaultSupervisorConfig() *SupervisorConfig {
	return &SupervisorConfig{
		ReconnectBaseDelay:   5 * time.Second,
		ReconnectMaxDelay:    60 * time.Second,
		MaxReconnectAttempts: 10,
		BusConnectWait:       2 * time.Second,
		HeartbeatInterval:    60 * time.Second,
		DrainDeadline:        10 * time.Second,
		Clock:                SystemClock(),
		Logger:               zap.NewNop(),
	}
}

// Supervisor is the lifecycle controller of the bridge. It starts the
// components in dependency order, drives upstream reconnection with capped
// exponential backoff, runs the heartbeat loop and performs the orderly
// drain on shutdown. Control flow is a star centered here; the data path
// never passes through it.
type Supervisor struct {
	config *SupervisorConfig

	state atomic.Int32 // SessionState

	runCtx        context.Context
	cancelRun     context.CancelFunc
	workerCtx     context.Context
	cancelWorkers context.CancelFunc

	sessionDone chan struct{}
	workersDone chan struct{}
	heartbeatWg sync.WaitGroup

	fatalMu  sync.Mutex
	fatalErr error

	budgetExceeded atomic.Bool
	startOnce      sync.Once
	stopOnce       sync.Once
	started        atomic.Bool
}

// NewSupervisor validates the configuration and creates a supervisor.
func NewSupervisor(config *SupervisorConfig) (*Supervisor, error) {
	if config == nil {
		return nil, errors.New("supervisor config must not be nil")
	}
	if config.Session == nil || config.Bus == nil || config.Queue == nil || config.Workers == nil {
		return nil, errors.New("supervisor requires session, bus, queue and workers")
	}
	if config.DialBreaker == nil || config.PublishBreaker == nil {
		return nil, errors.New("supervisor requires both circuit breakers")
	}
	if config.Metrics == nil {
		return nil, errors.New("supervisor requires metrics")
	}
	if config.ReconnectBaseDelay <= 0 {
		config.ReconnectBaseDelay = 5 * time.Second
	}
	if config.ReconnectMaxDelay <= 0 {
		config.ReconnectMaxDelay = 60 * time.Second
	}
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = 10
	}
	if config.BusConnectWait <= 0 {
		config.BusConnectWait = 2 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 60 * time.Second
	}
	if config.DrainDeadline <= 0 {
		config.DrainDeadline = 10 * time.Second
	}
	if config.Jitter == nil {
		config.Jitter = func() time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second)))
		}
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	s := &Supervisor{
		config:      config,
		sessionDone: make(chan struct{}),
		workersDone: make(chan struct{}),
	}
	s.setState(StateDisconnected)
	return s, nil
}

// Start acquires the bus connection, launches the worker pool, the upstream
// session loop and the heartbeat loop. It fails only when the bus cannot be
// acquired before ctx is done.
func (s *Supervisor) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		s.runCtx, s.cancelRun = context.WithCancel(ctx)
		// Workers outlive the run context so they can drain the queue
		// during shutdown; their context is cancelled only at the drain
		// deadline.
		s.workerCtx, s.cancelWorkers = context.WithCancel(context.Background())

		if err := s.connectBus(s.runCtx); err != nil {
			startErr = err
			s.cancelRun()
			s.cancelWorkers()
			return
		}

		go func() {
			defer close(s.workersDone)
			s.config.Workers.Run(s.workerCtx)
		}()

		go func() {
			defer close(s.sessionDone)
			s.setFatal(s.sessionLoop(s.runCtx))
		}()

		s.heartbeatWg.Add(1)
		go func() {
			defer s.heartbeatWg.Done()
			s.heartbeatLoop(s.runCtx)
		}()

		s.started.Store(true)
		s.config.Logger.Info("Bridge started",
			zap.Int("workers", s.config.Workers.config.Workers),
			zap.Int("queue_capacity", s.config.Queue.Cap()))
	})
	return startErr
}

// Run starts the bridge and blocks until the session loop exits or ctx is
// done, then performs the orderly shutdown. The returned error is nil on a
// clean, requested stop and the fatal reason otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	select {
	case <-s.sessionDone:
	case <-ctx.Done():
	}

	s.Stop(s.config.DrainDeadline)

	err := s.Fatal()
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// connectBus retries the bus connection until it succeeds or shutdown is
// requested.
func (s *Supervisor) connectBus(ctx context.Context) error {
	for {
		err := s.config.Bus.Connect(ctx)
		if err == nil {
			s.config.Metrics.SetBusConnected(true)
			return nil
		}
		s.config.Logger.Warn("Bus connection failed, retrying",
			zap.Duration("retry_in", s.config.BusConnectWait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("bus never became available: %w", err)
		case <-time.After(s.config.BusConnectWait):
		}
	}
}

// sessionLoop owns upstream connectivity: dial under the dial breaker, run
// until disconnect, back off, redial. Consecutive handshake failures and
// disconnects count against the reconnection budget; a completed handshake
// resets it.
func (s *Supervisor) sessionLoop(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setState(StateConnecting)
		err := s.config.DialBreaker.Execute(func() error {
			return s.config.Session.Connect(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			s.config.Metrics.IncReconnectAttempts()
			s.config.Logger.Warn("Upstream connect failed",
				zap.Int("attempt", attempt),
				zap.Int("budget", s.config.MaxReconnectAttempts),
				zap.Error(err))

			if attempt >= s.config.MaxReconnectAttempts {
				s.budgetExceeded.Store(true)
				return fmt.Errorf("%w: %d consecutive failures, last: %v",
					ErrReconnectBudgetExhausted, attempt, err)
			}
			if !s.sleep(ctx, s.backoffDelay(attempt)) {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		s.setState(StateConnected)

		reason := s.config.Session.Run(ctx, s.config.Queue)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		s.config.Metrics.IncReconnectAttempts()
		s.config.Logger.Warn("Upstream disconnected, reconnecting",
			zap.Int("attempt", attempt),
			zap.Error(reason))

		if !s.sleep(ctx, s.backoffDelay(attempt)) {
			return ctx.Err()
		}
	}
}

// backoffDelay computes the delay before reattempt n (n >= 1):
// min(base * 2^(n-1), max) plus additive jitter, capped at max.
func (s *Supervisor) backoffDelay(n int) time.Duration {
	delay := s.config.ReconnectBaseDelay
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= s.config.ReconnectMaxDelay {
			return s.config.ReconnectMaxDelay
		}
	}
	if delay >= s.config.ReconnectMaxDelay {
		return s.config.ReconnectMaxDelay
	}
	delay += s.config.Jitter()
	if delay > s.config.ReconnectMaxDelay {
		delay = s.config.ReconnectMaxDelay
	}
	return delay
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// heartbeatLoop emits one structured record per interval carrying the
// metrics snapshot and the per-interval throughput.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	lastBeat := s.config.Clock.Now()
	lastProcessed := s.config.Metrics.ProcessedTotal()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.config.Clock.Now()
			snap := s.Snapshot()

			elapsed := now.Sub(lastBeat).Seconds()
			var rate float64
			if elapsed > 0 {
				rate = float64(snap.ProcessedTotal-lastProcessed) / elapsed
			}
			lastBeat = now
			lastProcessed = snap.ProcessedTotal

			s.config.Logger.Info("Heartbeat",
				zap.Float64("messages_per_sec", rate),
				zap.Int64("processed_total", snap.ProcessedTotal),
				zap.Int64("dropped_total", snap.DroppedTotal),
				zap.Int64("parse_skipped", snap.ParseSkipped),
				zap.Int("queue_size", snap.QueueSize),
				zap.Int("queue_capacity", snap.QueueCapacity),
				zap.Int64("reconnect_attempts", snap.ReconnectAttempts),
				zap.String("upstream_state", snap.UpstreamState),
				zap.String("bus_state", snap.BusState),
				zap.Duration("uptime", snap.Uptime))
		}
	}
}

// Stop drains and tears the bridge down: no new frames are accepted, the
// workers get until the deadline to empty the queue, whatever remains is
// counted as dropped, and the bus connection is flushed and closed. Safe to
// call more than once.
func (s *Supervisor) Stop(deadline time.Duration) {
	s.stopOnce.Do(func() {
		if !s.started.Load() {
			s.setState(StateStopped)
			return
		}
		if deadline <= 0 {
			deadline = s.config.DrainDeadline
		}

		s.config.Logger.Info("Stopping bridge", zap.Duration("drain_deadline", deadline))
		s.setState(StateDraining)

		// Stop the producer side first: cancel the run context, close the
		// upstream connection, and wait for the reader to exit so nothing
		// races the queue close.
		s.cancelRun()
		s.config.Session.Close()
		<-s.sessionDone
		s.heartbeatWg.Wait()

		s.config.Queue.CloseInput()

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-s.workersDone:
		case <-timer.C:
			s.config.Logger.Warn("Drain deadline elapsed, dropping remaining frames",
				zap.Int("queue_size", s.config.Queue.Len()))
			s.cancelWorkers()
			<-s.workersDone
			s.config.Queue.DrainRemaining()
		}
		s.cancelWorkers()

		if err := s.config.Bus.Close(); err != nil {
			s.config.Logger.Warn("Bus close reported error", zap.Error(err))
		}
		s.config.Metrics.SetBusConnected(false)

		s.setState(StateStopped)
		s.config.Logger.Info("Bridge stopped",
			zap.Int64("processed_total", s.config.Metrics.ProcessedTotal()),
			zap.Int64("dropped_total", s.config.Metrics.DroppedTotal()))
	})
}

// Fatal returns the reason the session loop exited, if it has.
func (s *Supervisor) Fatal() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatalErr
}

func (s *Supervisor) setFatal(err error) {
	s.fatalMu.Lock()
	s.fatalErr = err
	s.fatalMu.Unlock()
}

func (s *Supervisor) setState(state SessionState) {
	prev := SessionState(s.state.Swap(int32(state)))
	s.config.Metrics.SetUpstreamState(state)
	if prev != state {
		s.config.Logger.Debug("Bridge state changed",
			zap.String("from", prev.String()),
			zap.String("to", state.String()))
	}
}

// State returns the supervisor-owned bridge state.
func (s *Supervisor) State() SessionState {
	return SessionState(s.state.Load())
}

// Ready reports whether both endpoints are connected.
func (s *Supervisor) Ready() bool {
	return s.State() == StateConnected && s.config.Bus.IsConnected()
}

// Healthy reports whether the process is within its reconnection budget.
func (s *Supervisor) Healthy() bool {
	return !s.budgetExceeded.Load()
}

// Snapshot returns the current metrics snapshot including both breakers.
func (s *Supervisor) Snapshot() Snapshot {
	return s.config.Metrics.Snapshot(s.config.DialBreaker, s.config.PublishBreaker)
}
