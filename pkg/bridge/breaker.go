package bridge

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrBreakerOpen is returned by Breaker.Execute when the breaker is open and
// the protected function was not invoked.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int32

const (
	// BreakerClosed indicates calls pass through and failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen indicates calls fail fast without invoking the function.
	BreakerOpen
	// BreakerHalfOpen indicates a single trial call is allowed through.
	BreakerHalfOpen
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig contains configuration for a circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive counting failures that
	// trips the breaker open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before allowing a
	// trial call.
	RecoveryTimeout time.Duration

	// ShouldCount reports whether an error counts toward the failure
	// threshold. Errors it rejects pass through without affecting state.
	// When nil every non-nil error counts.
	ShouldCount func(error) bool

	// OnStateChange is invoked after every state transition. May be nil.
	OnStateChange func(name string, from, to BreakerState)

	// Clock is the time source. Defaults to the system clock.
	Clock Clock

	// Logger is the logger instance.
	Logger *zap.Logger
}

// DefaultBreakerConfig returns a default breaker configuration.
func DefaultBreakerConfig(name string) *BreakerConfig {
	return &BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		Clock:            SystemClock(),
		Logger:           zap.NewNop(),
	}
}

// BreakerSnapshot is a point-in-time view of a breaker's state.
type BreakerSnapshot struct {
	Name         string     `json:"name"`
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
}

// Breaker is a circuit breaker guarding a fallible operation. All state
// transitions are serialized by an internal mutex; in the half-open state
// exactly one caller executes the trial call while the rest fail fast.
type Breaker struct {
	config *BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	openedAt      time.Time
	trialInFlight bool
}

// NewBreaker creates a circuit breaker from the given configuration.
func NewBreaker(config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig("breaker")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Breaker{
		config: config,
		state:  BreakerClosed,
	}
}

// Execute runs fn under the breaker. When the breaker is open, or another
// caller holds the half-open trial slot, it returns ErrBreakerOpen without
// invoking fn. The error returned by fn is passed through unchanged.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn()
	b.afterCall(err)
	return err
}

// beforeCall decides whether the call may proceed, claiming the half-open
// trial slot when applicable.
func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.config.Clock.Now().Sub(b.openedAt) < b.config.RecoveryTimeout {
			return ErrBreakerOpen
		}
		b.transitionLocked(BreakerHalfOpen)
		b.trialInFlight = true
		return nil
	case BreakerHalfOpen:
		if b.trialInFlight {
			return ErrBreakerOpen
		}
		b.trialInFlight = true
		return nil
	default:
		return ErrBreakerOpen
	}
}

// afterCall records the outcome of a call admitted by beforeCall.
func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counting := err != nil && b.shouldCount(err)

	switch b.state {
	case BreakerClosed:
		if counting {
			b.failureCount++
			if b.failureCount >= b.config.FailureThreshold {
				b.openLocked()
			}
		} else if err == nil {
			b.failureCount = 0
		}
	case BreakerHalfOpen:
		b.trialInFlight = false
		if counting {
			b.openLocked()
		} else if err == nil {
			b.failureCount = 0
			b.transitionLocked(BreakerClosed)
		}
		// A non-counting failure leaves the breaker half-open so the next
		// caller gets the trial slot.
	}
}

func (b *Breaker) shouldCount(err error) bool {
	if errors.Is(err, ErrBreakerOpen) {
		return false
	}
	if b.config.ShouldCount != nil {
		return b.config.ShouldCount(err)
	}
	return true
}

func (b *Breaker) openLocked() {
	b.openedAt = b.config.Clock.Now()
	b.transitionLocked(BreakerOpen)
}

func (b *Breaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	b.config.Logger.Info("Circuit breaker state changed",
		zap.String("breaker", b.config.Name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failure_count", b.failureCount))

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, from, to)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Name:         b.config.Name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
	}
	if !b.openedAt.IsZero() && b.state != BreakerClosed {
		openedAt := b.openedAt
		snap.OpenedAt = &openedAt
	}
	return snap
}
