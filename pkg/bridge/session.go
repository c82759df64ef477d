package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrSessionClosed is the reason Run returns after a clean remote close.
var ErrSessionClosed = errors.New("upstream session closed")

// SessionConfig contains configuration for the upstream session.
type SessionConfig struct {
	// URL is the upstream endpoint base, e.g. wss://stream.binance.com:9443.
	// The combined-stream path is appended from the subscription set.
	URL string

	// Subscriptions is the immutable set of streams to subscribe to.
	Subscriptions *SubscriptionSet

	// DialTimeout is the timeout for establishing the connection.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the wait for the subscription acknowledgment.
	HandshakeTimeout time.Duration

	// PingInterval is the period between keepalive pings.
	PingInterval time.Duration

	// ReadTimeout is the read deadline, extended on every frame and pong.
	ReadTimeout time.Duration

	// WriteTimeout is the deadline for control-frame writes.
	WriteTimeout time.Duration

	// ReadLimit is the maximum accepted frame size in bytes.
	ReadLimit int64

	// ControlLimiter paces SUBSCRIBE and PING writes. The endpoint rejects
	// connections exceeding five control messages per second.
	ControlLimiter *rate.Limiter

	// Headers are additional headers sent during the websocket handshake.
	Headers map[string]string

	// Clock is the time source.
	Clock Clock

	// Logger is the logger instance.
	Logger *zap.Logger
}

// DefaultSessionConfig returns a default session configuration.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		URL:              "wss://stream.binance.com:9443",
		Subscriptions:    NewSubscriptionSet([]string{"btcusdt@trade", "btcusdt@ticker", "btcusdt@depth20@100ms"}),
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadTimeout:      90 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        2 * 1024 * 1024,
		ControlLimiter:   rate.NewLimiter(rate.Limit(4), 1),
		Clock:            SystemClock(),
		Logger:           zap.NewNop(),
	}
}

// subscribeRequest is the upstream subscription frame.
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// subscribeAck is the upstream reply to a subscription request. Result is
// null on success.
type subscribeAck struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *upstreamError   `json:"error,omitempty"`
}

type upstreamError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Session owns the single upstream websocket connection. Connect dials and
// subscribes; Run reads frames and hands them to the queue until the
// connection fails or the context is cancelled. The reader is the only
// producer, so frames reach the queue in upstream read order.
type Session struct {
	config  *SessionConfig
	metrics *Metrics

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex // serializes control-frame writes
	corrID  atomic.Uint64

	// Frames read while waiting for the subscription ack, delivered at the
	// start of Run to preserve upstream order.
	pending [][]byte
}

// NewSession creates an upstream session from the given configuration.
func NewSession(config *SessionConfig, metrics *Metrics) (*Session, error) {
	if config == nil {
		config = DefaultSessionConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	if config.ControlLimiter == nil {
		config.ControlLimiter = rate.NewLimiter(rate.Limit(4), 1)
	}
	if config.Subscriptions == nil || config.Subscriptions.Len() == 0 {
		return nil, errors.New("subscription set must not be empty")
	}

	parsed, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("upstream URL scheme must be ws or wss, got %q", parsed.Scheme)
	}

	return &Session{
		config:  config,
		metrics: metrics,
	}, nil
}

// dialURL builds the combined-stream endpoint URL. When the configured URL
// already names a path the session respects it verbatim.
func (s *Session) dialURL() string {
	base := strings.TrimRight(s.config.URL, "/")
	if u, err := url.Parse(base); err == nil && u.Path != "" && u.Path != "/" {
		return base
	}
	return base + "/stream?streams=" + s.config.Subscriptions.CombinedPath()
}

// Connect dials the endpoint, sends the subscription request and waits for
// the acknowledgment. Data frames that arrive before the ack are buffered
// and delivered at the start of Run.
func (s *Session) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.config.DialTimeout,
	}

	dialCtx := ctx
	if s.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.config.DialTimeout)
		defer cancel()
	}

	header := make(map[string][]string, len(s.config.Headers))
	for k, v := range s.config.Headers {
		header[k] = []string{v}
	}

	target := s.dialURL()
	conn, _, err := dialer.DialContext(dialCtx, target, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	conn.SetReadLimit(s.config.ReadLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(s.config.Clock.Now().Add(s.config.ReadTimeout))
	})
	conn.SetPingHandler(func(data string) error {
		// Answer the server's keepalive and treat it as liveness.
		s.writeMu.Lock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data),
			s.config.Clock.Now().Add(s.config.WriteTimeout))
		s.writeMu.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			return err
		}
		return conn.SetReadDeadline(s.config.Clock.Now().Add(s.config.ReadTimeout))
	})

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.pending = nil

	if err := s.subscribe(ctx, conn); err != nil {
		s.teardown(conn)
		return err
	}

	s.config.Logger.Info("Upstream session established",
		zap.String("url", target),
		zap.Int("streams", s.config.Subscriptions.Len()))

	return nil
}

// subscribe writes the SUBSCRIBE frame and consumes frames until the
// matching acknowledgment arrives or the handshake timeout elapses.
func (s *Session) subscribe(ctx context.Context, conn *websocket.Conn) error {
	id := s.corrID.Add(1)
	req := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: s.config.Subscriptions.Streams(),
		ID:     id,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscribe request: %w", err)
	}

	if err := s.config.ControlLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing subscribe request: %w", err)
	}

	s.writeMu.Lock()
	conn.SetWriteDeadline(s.config.Clock.Now().Add(s.config.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write subscribe request: %w", err)
	}

	deadline := s.config.Clock.Now().Add(s.config.HandshakeTimeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("set ack deadline: %w", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await subscribe ack: %w", err)
		}

		var ack subscribeAck
		if jsonErr := json.Unmarshal(data, &ack); jsonErr == nil && ack.ID == id {
			if ack.Error != nil {
				return fmt.Errorf("subscribe rejected: code=%d msg=%q", ack.Error.Code, ack.Error.Msg)
			}
			s.config.Logger.Debug("Subscription acknowledged", zap.Uint64("id", id))
			return nil
		}

		// A data frame raced the ack; keep it for Run so nothing is lost.
		buf := make([]byte, len(data))
		copy(buf, data)
		s.pending = append(s.pending, buf)
	}
}

// Run reads frames and hands them to out until the connection fails, the
// ping task fails, or ctx is cancelled. The returned error is the reason:
// ErrSessionClosed after a clean remote close, ctx.Err() on cancellation.
func (s *Session) Run(ctx context.Context, out *Queue) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return errors.New("session is not connected")
	}

	for _, data := range s.pending {
		s.handleFrame(data, out)
	}
	s.pending = nil

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		errCh <- s.readLoop(runCtx, conn, out)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.pingLoop(runCtx, conn)
	}()

	reason := <-errCh
	cancel()
	s.teardown(conn)
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return reason
}

// readLoop reads one frame at a time until the connection errors out.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, out *Queue) error {
	for {
		if err := conn.SetReadDeadline(s.config.Clock.Now().Add(s.config.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrSessionClosed
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.handleFrame(data, out)
	}
}

// handleFrame parses a frame, derives its stream and enqueues it. Control
// acknowledgments are consumed here and never reach the queue.
func (s *Session) handleFrame(data []byte, out *Queue) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		if s.metrics != nil {
			s.metrics.IncFramesRead()
			s.metrics.IncParseSkipped()
		}
		s.config.Logger.Warn("Discarding malformed frame",
			zap.Error(err),
			zap.Int("size", len(data)))
		return
	}

	// Late SUBSCRIBE acks and error notices carry an "id".
	if _, hasID := obj["id"]; hasID {
		if errObj, hasErr := obj["error"]; hasErr {
			s.config.Logger.Warn("Upstream control error", zap.Any("error", errObj))
		}
		return
	}

	if s.metrics != nil {
		s.metrics.IncFramesRead()
	}

	stream, payload, ok := DeriveStream(obj, s.config.Subscriptions)
	if !ok {
		if s.metrics != nil {
			s.metrics.IncParseSkipped()
		}
		s.config.Logger.Warn("Discarding frame with underivable stream",
			zap.Any("event_type", obj["e"]))
		return
	}

	out.Enqueue(Frame{Stream: stream, Payload: payload})
}

// pingLoop sends keepalive pings every PingInterval. A failed ping is
// treated like a read error and terminates Run.
func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	if s.config.PingInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.config.ControlLimiter.Wait(ctx); err != nil {
				return err
			}
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil,
				s.config.Clock.Now().Add(s.config.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("ping: %w", err)
			}
			if s.metrics != nil {
				s.metrics.MarkPing()
			}
			s.config.Logger.Debug("Sent keepalive ping")
		}
	}
}

// Close initiates a graceful close of the connection. Safe to call when the
// session is not connected.
func (s *Session) Close() error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		s.config.Clock.Now().Add(s.config.WriteTimeout))
	s.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.config.Logger.Debug("Close frame write failed", zap.Error(err))
	}

	s.teardown(conn)
	return nil
}

// teardown closes the physical connection and clears the reference when it
// is still current.
func (s *Session) teardown(conn *websocket.Conn) {
	conn.Close()
	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
}
