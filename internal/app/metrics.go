package app

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	linkEvents *prometheus.CounterVec
	sections   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		linkEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vycore",
			Subsystem: "vycored",
			Name:      "link_events_total",
			Help:      "Kernel link notifications by kind.",
		}, []string{"event"}),
		sections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vycore",
			Subsystem: "vycored",
			Name:      "configure_section_total",
			Help:      "Config-sync requests received by operation and result.",
		}, []string{"op", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.linkEvents, m.sections)
	}
	return m
}

func (m *Metrics) link(event string) {
	if m == nil {
		return
	}
	m.linkEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) section(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sections.WithLabelValues(op, result).Inc()
}
