package bridge

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts the wall-clock time source so that envelope timestamps and
// breaker recovery windows are testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall-clock time source.
func SystemClock() Clock { return systemClock{} }

// IDGenerator produces a fresh globally-unique identifier per call.
type IDGenerator func() string

// NewMessageID is the default IDGenerator, backed by random UUIDs.
func NewMessageID() string {
	return uuid.NewString()
}
