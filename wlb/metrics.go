package wlb

import "github.com/prometheus/client_golang/prometheus"

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	up          *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	nftFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vycore",
			Subsystem: "wlb",
			Name:      "interface_up",
			Help:      "1 while the uplink is ACTIVE.",
		}, []string{"interface"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vycore",
			Subsystem: "wlb",
			Name:      "transitions_total",
			Help:      "Uplink state changes.",
		}, []string{"interface", "state"}),
		nftFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vycore",
			Subsystem: "wlb",
			Name:      "nft_failures_total",
			Help:      "Rulesets nft refused to load.",
		}),
	}
	reg.MustRegister(m.up, m.transitions, m.nftFailures)
	return m
}

func (m *Metrics) observe(ifname string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.up.WithLabelValues(ifname).Set(v)
}

func (m *Metrics) transition(ifname, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(ifname, state).Inc()
}

func (m *Metrics) failed() {
	if m == nil {
		return
	}
	m.nftFailures.Inc()
}
