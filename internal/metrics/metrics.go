// Package metrics holds the Prometheus instruments for the planning engine.
//
// All methods are safe on a nil *Metrics, so components can run without
// instrumentation in tests.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "plannerd"

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Plan outcomes.
const (
	OutcomeFinished  = "finished"
	OutcomeErrored   = "errored"
	OutcomeCancelled = "cancelled"
)

// Summary outcomes.
const (
	SummaryGenerated = "generated"
	SummaryCached    = "cached"
	SummaryFailed    = "failed"
)

// Metrics holds Prometheus metrics for plannerd.
type Metrics struct {
	PlansTotal          *prometheus.CounterVec
	PlanDuration        prometheus.Histogram
	TasksTotal          *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	ClassifierFallbacks *prometheus.CounterVec
	SummariesTotal      *prometheus.CounterVec
	Sessions            prometheus.Gauge

	Connections      prometheus.Gauge
	InflightRequests prometheus.Gauge
	RejectedRequests *prometheus.CounterVec
	EventsPublished  *prometheus.CounterVec
}

// NewMetrics returns the process-wide metrics registered on the default
// registry. sync.Once guards against duplicate registration panics.
//
// Metrics:
//   - plannerd_plans_total{outcome}
//   - plannerd_plan_duration_seconds
//   - plannerd_tasks_total{type,status}
//   - plannerd_task_duration_seconds{type}
//   - plannerd_classifier_fallbacks_total{reason}
//   - plannerd_summaries_total{outcome}
//   - plannerd_sessions
//   - plannerd_ws_connections
//   - plannerd_inflight_requests
//   - plannerd_rejected_requests_total{reason}
//   - plannerd_events_published_total{type,status}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsWith(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// NewMetricsWith registers a fresh set of metrics on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PlansTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_total",
			Help:      "Total plan runs by terminal outcome",
		}, []string{"outcome"}),

		PlanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_duration_seconds",
			Help:      "Duration of plan runs from receipt to terminal event",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}),

		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total dispatched tasks by type and status",
		}, []string{"type", "status"}),

		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Handler latency per task type",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"type"}),

		ClassifierFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_fallbacks_total",
			Help:      "Classifications that used the local fallback, by reason",
		}, []string{"reason"}),

		SummariesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Context summarization attempts by outcome",
		}, []string{"outcome"}),

		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of sessions held in memory",
		}),

		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open streaming connections",
		}),

		InflightRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Plan requests awaiting a terminal event",
		}),

		RejectedRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_requests_total",
			Help:      "Inbound plan requests rejected before running, by reason",
		}, []string{"reason"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Stream events mirrored to the message bus",
		}, []string{"type", "status"}),
	}
}

// RecordPlan records a finished plan run.
func (m *Metrics) RecordPlan(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PlansTotal.WithLabelValues(outcome).Inc()
	m.PlanDuration.Observe(d.Seconds())
}

// RecordTask records one dispatched task.
func (m *Metrics) RecordTask(taskType string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.TasksTotal.WithLabelValues(taskType, status).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// RecordFallback records a classifier fallback.
func (m *Metrics) RecordFallback(reason string) {
	if m == nil {
		return
	}
	m.ClassifierFallbacks.WithLabelValues(reason).Inc()
}

// RecordSummary records a summarization outcome.
func (m *Metrics) RecordSummary(outcome string) {
	if m == nil {
		return
	}
	m.SummariesTotal.WithLabelValues(outcome).Inc()
}

// SetSessions sets the session count.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// RequestStarted increments the in-flight request gauge.
func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.InflightRequests.Inc()
}

// RequestDone decrements the in-flight request gauge.
func (m *Metrics) RequestDone() {
	if m == nil {
		return
	}
	m.InflightRequests.Dec()
}

// RecordRejected records a rejected inbound request.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedRequests.WithLabelValues(reason).Inc()
}

// RecordPublished records an event mirrored to the bus.
func (m *Metrics) RecordPublished(eventType string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublished.WithLabelValues(eventType, status).Inc()
}
