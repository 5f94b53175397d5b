package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus instruments. A nil *Metrics is
// valid and records nothing, so tests can run without a registry.
type Metrics struct {
	WorkflowsStarted  prometheus.Counter
	WorkflowsFinished *prometheus.CounterVec
	StepsDispatched   prometheus.Counter
	StepsFailed       prometheus.Counter
	StepDuration      prometheus.Histogram
	WorkersInFlight   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WorkflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weft",
			Subsystem: "engine",
			Name:      "workflows_started_total",
			Help:      "Workflows admitted for execution.",
		}),
		WorkflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "weft",
			Subsystem: "engine",
			Name:      "workflows_finished_total",
			Help:      "Workflows reaching a terminal status.",
		}, []string{"status"}),
		StepsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weft",
			Subsystem: "engine",
			Name:      "steps_dispatched_total",
			Help:      "Steps handed to the worker pool.",
		}),
		StepsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "weft",
			Subsystem: "engine",
			Name:      "steps_failed_total",
			Help:      "Steps that ended in failure, including timeouts.",
		}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "weft",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Wall-clock duration of step executions.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		WorkersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "weft",
			Subsystem: "engine",
			Name:      "workers_in_flight",
			Help:      "Tool invocations currently holding a worker slot.",
		}),
	}
	reg.MustRegister(
		m.WorkflowsStarted,
		m.WorkflowsFinished,
		m.StepsDispatched,
		m.StepsFailed,
		m.StepDuration,
		m.WorkersInFlight,
	)
	return m
}

func (m *Metrics) workflowStarted() {
	if m != nil {
		m.WorkflowsStarted.Inc()
	}
}

func (m *Metrics) workflowFinished(status Status) {
	if m != nil {
		m.WorkflowsFinished.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) stepDispatched() {
	if m != nil {
		m.StepsDispatched.Inc()
	}
}

func (m *Metrics) stepFailed() {
	if m != nil {
		m.StepsFailed.Inc()
	}
}

func (m *Metrics) observeStep(seconds float64) {
	if m != nil {
		m.StepDuration.Observe(seconds)
	}
}

func (m *Metrics) workerAcquired() {
	if m != nil {
		m.WorkersInFlight.Inc()
	}
}

func (m *Metrics) workerReleased() {
	if m != nil {
		m.WorkersInFlight.Dec()
	}
}
