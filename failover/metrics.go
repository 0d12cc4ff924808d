package failover

import "github.com/prometheus/client_golang/prometheus"

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	up      *prometheus.GaugeVec
	changes *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vycore",
			Subsystem: "failover",
			Name:      "next_hop_up",
			Help:      "1 when the last check of a next-hop passed.",
		}, []string{"route", "next_hop"}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vycore",
			Subsystem: "failover",
			Name:      "route_changes_total",
			Help:      "Routes added or deleted.",
		}, []string{"action"}),
	}
	reg.MustRegister(m.up, m.changes)
	return m
}

func (m *Metrics) observe(route, nextHop string, alive bool) {
	if m == nil {
		return
	}
	v := 0.0
	if alive {
		v = 1
	}
	m.up.WithLabelValues(route, nextHop).Set(v)
}

func (m *Metrics) changed(action string) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(action).Inc()
}
