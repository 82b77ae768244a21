package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the session collectors. A nil *Metrics is a no-op.
type Metrics struct {
	transitions *prometheus.CounterVec
	joins       *prometheus.CounterVec
	created     prometheus.Counter
}

// NewMetrics builds and registers the collectors on reg (nil: unregistered).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remotedesk",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by target state.",
		}, []string{"to", "reason"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remotedesk",
			Subsystem: "session",
			Name:      "joins_total",
			Help:      "Join attempts by result.",
		}, []string{"result"}),
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remotedesk",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Sessions created.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.transitions, m.joins, m.created)
	}
	return m
}

func (m *Metrics) observeTransition(c StateChange) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(c.To), c.Reason).Inc()
}

func (m *Metrics) observeJoin(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if k := Kind(err); k != nil {
			result = k.Error()
		}
	}
	m.joins.WithLabelValues(result).Inc()
}

func (m *Metrics) observeCreate() {
	if m == nil {
		return
	}
	m.created.Inc()
}
