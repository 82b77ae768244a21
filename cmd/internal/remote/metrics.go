package remote

import (
	"github.com/prometheus/client_golang/prometheus"

	"remotedesk/cmd/internal/access"
	"remotedesk/cmd/internal/input"
)

// Metrics holds relay collectors shared by all channels. A nil *Metrics is a no-op.
type Metrics struct {
	decisions *prometheus.CounterVec
	coalesced prometheus.Counter
	delivered *prometheus.CounterVec
}

// NewMetrics builds and registers the collectors on reg (nil: unregistered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remotedesk",
			Subsystem: "remote",
			Name:      "decisions_total",
			Help:      "Access decisions for remote-control events.",
		}, []string{"kind", "decision", "reason"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remotedesk",
			Subsystem: "remote",
			Name:      "coalesced_total",
			Help:      "pointerMove events dropped under back-pressure.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remotedesk",
			Subsystem: "remote",
			Name:      "delivered_total",
			Help:      "Events handed to the host.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.decisions, m.coalesced, m.delivered)
	}
	return m
}

func (m *Metrics) observeDecision(k input.Kind, d access.Decision) {
	if m == nil {
		return
	}
	decision := "allow"
	if !d.Allowed {
		decision = "deny"
	}
	m.decisions.WithLabelValues(string(k), decision, string(d.Reason)).Inc()
}

func (m *Metrics) observeCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) observeDelivered(k input.Kind) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(string(k)).Inc()
}
