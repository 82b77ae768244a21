package signaling

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds signaling collectors. A nil *Metrics is a no-op.
type Metrics struct {
	relayed     *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	connections *prometheus.GaugeVec
}

// NewMetrics builds and registers the collectors on reg (nil: unregistered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remotedesk",
			Subsystem: "signal",
			Name:      "relayed_total",
			Help:      "Signaling messages made deliverable, by kind.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remotedesk",
			Subsystem: "signal",
			Name:      "rejected_total",
			Help:      "Signaling messages dropped or refused, by reason.",
		}, []string{"reason"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "remotedesk",
			Subsystem: "signal",
			Name:      "connections",
			Help:      "Open signaling WebSocket connections, by role.",
		}, []string{"role"}),
	}
	if reg != nil {
		reg.MustRegister(m.relayed, m.rejected, m.connections)
	}
	return m
}

func (m *Metrics) observeRelayed(k Kind) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(string(k)).Inc()
}

func (m *Metrics) observeRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) connOpened(r Role) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(string(r)).Inc()
}

func (m *Metrics) connClosed(r Role) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(string(r)).Dec()
}
