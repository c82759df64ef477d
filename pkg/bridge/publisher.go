package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Classified publish errors. Callers dispatch on these with errors.Is; the
// publisher itself never retries.
var (
	// ErrDisconnected indicates the bus connection is down or draining.
	ErrDisconnected = errors.New("bus disconnected")
	// ErrTimeout indicates the publish did not complete in time.
	ErrTimeout = errors.New("bus publish timeout")
	// ErrOther covers publish failures outside the above classes.
	ErrOther = errors.New("bus publish failed")
)

// PublisherConfig contains configuration for the bus publisher.
type PublisherConfig struct {
	// URL is the bus endpoint.
	URL string

	// Name identifies this client on the bus.
	Name string

	// MaxReconnects bounds the client library's internal reconnection.
	MaxReconnects int

	// ReconnectWait is the delay between internal reconnection attempts.
	ReconnectWait time.Duration

	// FlushTimeout bounds the final flush during Close.
	FlushTimeout time.Duration

	// OnStateChange is invoked when the connection state flips. May be nil.
	OnStateChange func(connected bool)

	// Logger is the logger instance.
	Logger *zap.Logger
}

// DefaultPublisherConfig returns a default publisher configuration.
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		URL:           nats.DefaultURL,
		Name:          "binance-bridge",
		MaxReconnects: 60,
		ReconnectWait: 2 * time.Second,
		FlushTimeout:  5 * time.Second,
		Logger:        zap.NewNop(),
	}
}

// Publisher owns the single bus connection. Publish is safe for concurrent
// use and preserves per-caller submission order.
type Publisher struct {
	config *PublisherConfig
	conn   *nats.Conn
}

// NewPublisher creates a bus publisher from the given configuration.
func NewPublisher(config *PublisherConfig) *Publisher {
	if config == nil {
		config = DefaultPublisherConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = 5 * time.Second
	}
	return &Publisher{config: config}
}

// Connect opens the persistent bus connection and registers the
// reconnection callbacks.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(p.config.Name),
		nats.MaxReconnects(p.config.MaxReconnects),
		nats.ReconnectWait(p.config.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.config.Logger.Warn("Bus disconnected", zap.Error(err))
			p.notify(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.config.Logger.Info("Bus reconnected", zap.String("url", nc.ConnectedUrl()))
			p.notify(true)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			p.config.Logger.Info("Bus connection closed")
			p.notify(false)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			p.config.Logger.Error("Bus async error", fields...)
		}),
	}

	conn, err := nats.Connect(p.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", ErrDisconnected, p.config.URL, err)
	}

	p.conn = conn
	p.notify(true)
	p.config.Logger.Info("Bus connection established", zap.String("url", conn.ConnectedUrl()))
	return nil
}

func (p *Publisher) notify(connected bool) {
	if p.config.OnStateChange != nil {
		p.config.OnStateChange(connected)
	}
}

// Publish sends one message to subject. Failures are classified as
// ErrDisconnected, ErrTimeout or ErrOther; the caller owns retry policy.
func (p *Publisher) Publish(subject string, data []byte) error {
	conn := p.conn
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrDisconnected)
	}
	if err := conn.Publish(subject, data); err != nil {
		return classifyPublishError(err)
	}
	return nil
}

func classifyPublishError(err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrDisconnected):
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrOther, err)
	}
}

// IsConnected reports whether the bus connection is currently up.
func (p *Publisher) IsConnected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close flushes in-flight publishes within the flush timeout and closes the
// connection.
func (p *Publisher) Close() error {
	conn := p.conn
	if conn == nil {
		return nil
	}
	p.conn = nil

	err := conn.FlushTimeout(p.config.FlushTimeout)
	if err != nil {
		p.config.Logger.Warn("Bus flush before close failed", zap.Error(err))
	}
	conn.Close()
	return err
}
