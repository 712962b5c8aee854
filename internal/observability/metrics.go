// Package observability wires prometheus instrumentation for the service.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service's prometheus collectors. A nil *Metrics is
// safe to call, so components never need to guard instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	taskSubmissions prometheus.Counter
	taskOutcomes    *prometheus.CounterVec
	activeTasks     prometheus.Gauge
	synthesisTime   prometheus.Histogram
	voicesTotal     prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		taskSubmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_submissions_total",
			Help:      "Synthesis tasks accepted for processing.",
		}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Synthesis tasks reaching a terminal state, by status.",
		}, []string{"status"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Tasks currently pending or processing.",
		}),
		synthesisTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_duration_seconds",
			Help:      "Wall time spent inside model inference per task.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		voicesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voices_registered",
			Help:      "Cloned voices currently in the store.",
		}),
	}
	reg.MustRegister(m.taskSubmissions, m.taskOutcomes, m.activeTasks, m.synthesisTime, m.voicesTotal)
	return m
}

func (m *Metrics) TaskSubmitted() {
	if m == nil {
		return
	}
	m.taskSubmissions.Inc()
	m.activeTasks.Inc()
}

func (m *Metrics) TaskFinished(status string, synthesisSeconds float64) {
	if m == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(status).Inc()
	m.activeTasks.Dec()
	if synthesisSeconds > 0 {
		m.synthesisTime.Observe(synthesisSeconds)
	}
}

// TaskSwept accounts for tasks removed before reaching a terminal state.
func (m *Metrics) TaskSwept() {
	if m == nil {
		return
	}
	m.activeTasks.Dec()
}

func (m *Metrics) SetVoiceCount(n int) {
	if m == nil {
		return
	}
	m.voicesTotal.Set(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
