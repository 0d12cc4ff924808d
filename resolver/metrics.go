package resolver

import "github.com/prometheus/client_golang/prometheus"

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	passes   *prometheus.CounterVec
	sets     prometheus.Gauge
	failures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vycore",
			Subsystem: "domain_resolver",
			Name:      "updates_total",
			Help:      "Set refresh passes by result.",
		}, []string{"result"}),
		sets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vycore",
			Subsystem: "domain_resolver",
			Name:      "sets",
			Help:      "Sets refreshed by the last pass.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vycore",
			Subsystem: "domain_resolver",
			Name:      "lookup_failures_total",
			Help:      "DNS lookups that got no usable answer.",
		}),
	}
	reg.MustRegister(m.passes, m.sets, m.failures)
	return m
}

func (m *Metrics) updated(sets int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.passes.WithLabelValues(result).Inc()
	m.sets.Set(float64(sets))
}

func (m *Metrics) lookupFailed() {
	if m == nil {
		return
	}
	m.failures.Inc()
}
