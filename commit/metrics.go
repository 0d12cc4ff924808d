package commit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts commits and times handler stages. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	commits  *prometheus.CounterVec
	duration prometheus.Histogram
	handlers *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vycore",
			Name:      "commits_total",
			Help:      "Commits by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vycore",
			Name:      "commit_duration_seconds",
			Help:      "Wall time of whole commits.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		handlers: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vycore",
			Name:      "handler_duration_seconds",
			Help:      "Generate and apply time per handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "stage", "result"}),
	}
	reg.MustRegister(m.commits, m.duration, m.handlers)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) observeCommit(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(result(err)).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) observeHandler(handler, stage string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.handlers.WithLabelValues(handler, stage, result(err)).Observe(d.Seconds())
}
