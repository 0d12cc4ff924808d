package vrrp

import "github.com/prometheus/client_golang/prometheus"

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	events   *prometheus.CounterVec
	failures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vycore",
			Subsystem: "vrrp",
			Name:      "events_total",
			Help:      "Notify events read from keepalived.",
		}, []string{"type", "state"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vycore",
			Subsystem: "vrrp",
			Name:      "script_failures_total",
			Help:      "Transition scripts that exited non-zero.",
		}),
	}
	reg.MustRegister(m.events, m.failures)
	return m
}

func (m *Metrics) event(ev Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(ev.Type, ev.State).Inc()
}

func (m *Metrics) failed() {
	if m == nil {
		return
	}
	m.failures.Inc()
}
