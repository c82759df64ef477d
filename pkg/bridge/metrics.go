package bridge

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionState represents the state of the bridge as driven by the
// Supervisor.
type SessionState int32

const (
	// StateDisconnected indicates no upstream connection is active.
	StateDisconnected SessionState = iota
	// StateConnecting indicates the upstream handshake is in progress.
	StateConnecting
	// StateConnected indicates frames are flowing.
	StateConnected
	// StateDraining indicates shutdown has begun and workers are draining
	// the queue.
	StateDraining
	// StateStopped indicates the bridge has terminated.
	StateStopped
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of the bridge's operational counters.
// All fields are derived by reading core-owned fields; consumers never
// mutate them. Cross-field consistency is not guaranteed.
type Snapshot struct {
	ProcessedTotal    int64                      `json:"processed_total"`
	DroppedTotal      int64                      `json:"dropped_total"`
	ParseSkipped      int64                      `json:"parse_skipped"`
	FramesRead        int64                      `json:"frames_read"`
	QueueSize         int                        `json:"queue_size"`
	QueueCapacity     int                        `json:"queue_capacity"`
	ReconnectAttempts int64                      `json:"reconnect_attempts"`
	LastMessageAt     time.Time                  `json:"last_message_at"`
	LastPingAt        time.Time                  `json:"last_ping_at"`
	Uptime            time.Duration              `json:"uptime"`
	UpstreamState     string                     `json:"upstream_state"`
	BusState          string                     `json:"bus_state"`
	CircuitStates     map[string]BreakerSnapshot `json:"circuit_states"`
	PublishErrors     map[string]int64           `json:"publish_errors"`
}

// Metrics holds the core's operational counters. Counters are updated
// atomically; readers take a snapshot by reading each field once.
type Metrics struct {
	processedTotal    atomic.Int64
	droppedTotal      atomic.Int64
	parseSkipped      atomic.Int64
	framesRead        atomic.Int64
	reconnectAttempts atomic.Int64
	lastMessageAt     atomic.Int64 // unix nanos
	lastPingAt        atomic.Int64 // unix nanos

	publishDisconnected atomic.Int64
	publishTimeout      atomic.Int64
	publishBreakerOpen  atomic.Int64
	publishOther        atomic.Int64

	upstreamState atomic.Int32
	busConnected  atomic.Bool

	startedAt time.Time
	clock     Clock

	// Prometheus collectors mirroring the atomic counters.
	promProcessed  prometheus.Counter
	promDropped    prometheus.Counter
	promSkipped    prometheus.Counter
	promFrames     prometheus.Counter
	promReconnects prometheus.Counter
	promPubErrors  *prometheus.CounterVec
	promQueueSize  prometheus.GaugeFunc
	promUpstream   prometheus.GaugeFunc
	promBus        prometheus.GaugeFunc

	queueLen func() int
	queueCap int
}

// NewMetrics creates the bridge metrics, registering prometheus collectors
// on reg when it is non-nil.
func NewMetrics(clock Clock, reg prometheus.Registerer) *Metrics {
	if clock == nil {
		clock = SystemClock()
	}
	m := &Metrics{
		startedAt: clock.Now(),
		clock:     clock,
		queueLen:  func() int { return 0 },
	}

	m.promProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_processed_total",
		Help: "Envelopes successfully published to the bus.",
	})
	m.promDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_dropped_total",
		Help: "Frames dropped: queue full or closed, drain deadline, or failed publish.",
	})
	m.promSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_parse_skipped_total",
		Help: "Frames discarded because no stream name could be derived.",
	})
	m.promFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_frames_read_total",
		Help: "Frames read from the upstream connection.",
	})
	m.promReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_reconnect_attempts_total",
		Help: "Upstream reconnection attempts.",
	})
	m.promPubErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_publish_errors_total",
		Help: "Publish failures by error class.",
	}, []string{"class"})
	m.promQueueSize = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bridge_queue_size",
		Help: "Current number of frames waiting in the bounded queue.",
	}, func() float64 { return float64(m.queueLen()) })
	m.promUpstream = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bridge_upstream_connected",
		Help: "1 when the upstream session is connected.",
	}, func() float64 {
		if m.UpstreamState() == StateConnected {
			return 1
		}
		return 0
	})
	m.promBus = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bridge_bus_connected",
		Help: "1 when the bus connection is established.",
	}, func() float64 {
		if m.busConnected.Load() {
			return 1
		}
		return 0
	})

	if reg != nil {
		reg.MustRegister(
			m.promProcessed, m.promDropped, m.promSkipped, m.promFrames,
			m.promReconnects, m.promPubErrors,
			m.promQueueSize, m.promUpstream, m.promBus,
		)
	}
	return m
}

// BindQueue wires the queue size and capacity into the snapshot and gauges.
func (m *Metrics) BindQueue(q *Queue) {
	m.queueLen = q.Len
	m.queueCap = q.Cap()
}

// IncProcessed records one successfully published envelope.
func (m *Metrics) IncProcessed() {
	m.processedTotal.Add(1)
	m.promProcessed.Inc()
}

// IncDropped records n frames dropped by the queue: rejected because it is
// full or closed, or left in it at the drain deadline.
func (m *Metrics) IncDropped(n int64) {
	m.droppedTotal.Add(n)
	m.promDropped.Add(float64(n))
}

// IncParseSkipped records one frame discarded during stream derivation.
func (m *Metrics) IncParseSkipped() {
	m.parseSkipped.Add(1)
	m.promSkipped.Inc()
}

// IncFramesRead records one frame read from upstream and stamps the
// last-message time.
func (m *Metrics) IncFramesRead() {
	m.framesRead.Add(1)
	m.promFrames.Inc()
	m.lastMessageAt.Store(m.clock.Now().UnixNano())
}

// IncReconnectAttempts records one upstream reconnection attempt.
func (m *Metrics) IncReconnectAttempts() {
	m.reconnectAttempts.Add(1)
	m.promReconnects.Inc()
}

// MarkPing stamps the time of the last keepalive ping.
func (m *Metrics) MarkPing() {
	m.lastPingAt.Store(m.clock.Now().UnixNano())
}

// IncPublishError records one classified publish failure. The frame is
// gone after its single attempt, so the failure also counts as a drop;
// processed + dropped + skipped stays equal to frames read.
func (m *Metrics) IncPublishError(class string) {
	m.droppedTotal.Add(1)
	m.promDropped.Inc()
	switch class {
	case "disconnected":
		m.publishDisconnected.Add(1)
	case "timeout":
		m.publishTimeout.Add(1)
	case "breaker_open":
		m.publishBreakerOpen.Add(1)
	default:
		class = "other"
		m.publishOther.Add(1)
	}
	m.promPubErrors.WithLabelValues(class).Inc()
}

// SetUpstreamState records the supervisor-owned session state.
func (m *Metrics) SetUpstreamState(s SessionState) {
	m.upstreamState.Store(int32(s))
}

// UpstreamState returns the last recorded session state.
func (m *Metrics) UpstreamState() SessionState {
	return SessionState(m.upstreamState.Load())
}

// SetBusConnected records the bus connection state.
func (m *Metrics) SetBusConnected(connected bool) {
	m.busConnected.Store(connected)
}

// BusConnected reports whether the bus connection is established.
func (m *Metrics) BusConnected() bool {
	return m.busConnected.Load()
}

// ProcessedTotal returns the number of envelopes published so far.
func (m *Metrics) ProcessedTotal() int64 { return m.processedTotal.Load() }

// DroppedTotal returns the number of frames dropped so far.
func (m *Metrics) DroppedTotal() int64 { return m.droppedTotal.Load() }

// ParseSkipped returns the number of frames skipped during derivation.
func (m *Metrics) ParseSkipped() int64 { return m.parseSkipped.Load() }

// FramesRead returns the number of frames read from upstream.
func (m *Metrics) FramesRead() int64 { return m.framesRead.Load() }

// Snapshot assembles the current counter values. breakers contributes the
// live circuit states; it may be nil.
func (m *Metrics) Snapshot(breakers ...*Breaker) Snapshot {
	snap := Snapshot{
		ProcessedTotal:    m.processedTotal.Load(),
		DroppedTotal:      m.droppedTotal.Load(),
		ParseSkipped:      m.parseSkipped.Load(),
		FramesRead:        m.framesRead.Load(),
		QueueSize:         m.queueLen(),
		QueueCapacity:     m.queueCap,
		ReconnectAttempts: m.reconnectAttempts.Load(),
		Uptime:            m.clock.Now().Sub(m.startedAt),
		UpstreamState:     m.UpstreamState().String(),
		CircuitStates:     make(map[string]BreakerSnapshot, len(breakers)),
		PublishErrors: map[string]int64{
			"disconnected": m.publishDisconnected.Load(),
			"timeout":      m.publishTimeout.Load(),
			"breaker_open": m.publishBreakerOpen.Load(),
			"other":        m.publishOther.Load(),
		},
	}
	if m.busConnected.Load() {
		snap.BusState = "connected"
	} else {
		snap.BusState = "disconnected"
	}
	if nanos := m.lastMessageAt.Load(); nanos > 0 {
		snap.LastMessageAt = time.Unix(0, nanos)
	}
	if nanos := m.lastPingAt.Load(); nanos > 0 {
		snap.LastPingAt = time.Unix(0, nanos)
	}
	for _, b := range breakers {
		if b == nil {
			continue
		}
		bs := b.Snapshot()
		snap.CircuitStates[bs.Name] = bs
	}
	return snap
}
