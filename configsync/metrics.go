package configsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	pushes *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vycore",
			Subsystem: "config_sync",
			Name:      "pushes_total",
			Help:      "Configuration pushes to the secondary by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.pushes)
	return m
}

func (m *Metrics) pushed(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}
