package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// upstreamStub is a local websocket server standing in for the remote
// endpoint. It acknowledges the first subscription request and then hands
// the connection to the scenario.
type upstreamStub struct {
	server *httptest.Server
	URL    string
}

func newUpstreamStub(t *testing.T, scenario func(t *testing.T, conn *websocket.Conn)) *upstreamStub {
	t.Helper()
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Consume the SUBSCRIBE request and acknowledge it.
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		require.NoError(t, json.Unmarshal(data, &req))
		require.Equal(t, "SUBSCRIBE", req.Method)
		require.NotEmpty(t, req.Params)

		ack := map[string]any{"result": nil, "id": req.ID}
		ackData, _ := json.Marshal(ack)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, ackData))

		if scenario != nil {
			scenario(t, conn)
		}
	}))

	return &upstreamStub{
		server: server,
		URL:    "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (s *upstreamStub) Close() {
	s.server.Close()
}

// newUpstreamStubRaw hands the scenario the connection without consuming
// the subscription request, for tests that script the handshake themselves.
func newUpstreamStubRaw(t *testing.T, scenario func(t *testing.T, conn *websocket.Conn)) *upstreamStub {
	t.Helper()
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		scenario(t, conn)
	}))

	return &upstreamStub{
		server: server,
		URL:    "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

// drainIncoming keeps reading so control frames are processed; it returns
// when the connection drops.
func drainIncoming(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// fakeBus is an in-memory BusConnection recording published messages.
type fakeBus struct {
	mu         sync.Mutex
	published  [][]byte
	subjects   []string
	err        error
	connectErr error
	connected  bool
}

func (f *fakeBus) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeBus) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBus) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeBus) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeBus) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.published = append(f.published, buf)
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakeBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeBus) message(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[i]
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
