package signaling

import "github.com/prometheus/client_golang/prometheus"

// Rejection reasons.
const (
	RejectMalformed   = "malformed"
	RejectUnknownRole = "unknown_role"
	RejectSession     = "invalid_session"
	RejectCapacity    = "too_many_sessions"
	RejectStore       = "store_error"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	published   *prometheus.CounterVec
	delivered   prometheus.Counter
	rejected    *prometheus.CounterVec
	assignments *prometheus.CounterVec
	evicted     prometheus.Counter
	wsClients   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signal_relay",
			Name:      "messages_published_total",
			Help:      "Messages appended to a queue, by shape.",
		}, []string{"kind"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signal_relay",
			Name:      "messages_delivered_total",
			Help:      "Messages handed out by drains.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signal_relay",
			Name:      "requests_rejected_total",
			Help:      "Rejected publish/fetch requests, by reason.",
		}, []string{"reason"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signal_relay",
			Name:      "role_assignments_total",
			Help:      "Role assignments, by role and policy.",
		}, []string{"role", "policy"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "signal_relay",
			Name:      "sessions_evicted_total",
			Help:      "Sessions removed after being idle.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "signal_relay",
			Name:      "websocket_clients",
			Help:      "Connected WebSocket clients.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.delivered, m.rejected, m.assignments, m.evicted, m.wsClients)
	}
	return m
}

// RegisterSessionGauge exposes the live session count reported by fn.
func RegisterSessionGauge(reg prometheus.Registerer, fn func() int) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "signal_relay",
		Name:      "sessions",
		Help:      "Live sessions held in memory.",
	}, func() float64 { return float64(fn()) }))
}

func (m *Metrics) Published(kind string) {
	if m != nil {
		m.published.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Delivered(n int) {
	if m != nil && n > 0 {
		m.delivered.Add(float64(n))
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Assigned(role Role, policy RolePolicy) {
	if m != nil {
		m.assignments.WithLabelValues(role.String(), string(policy)).Inc()
	}
}

func (m *Metrics) Evicted(n int) {
	if m != nil && n > 0 {
		m.evicted.Add(float64(n))
	}
}

func (m *Metrics) clientConnected() {
	if m != nil {
		m.wsClients.Inc()
	}
}

func (m *Metrics) clientDisconnected() {
	if m != nil {
		m.wsClients.Dec()
	}
}
