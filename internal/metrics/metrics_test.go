package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Singleton(t *testing.T) {
	m1 := NewMetrics()
	m2 := NewMetrics()
	require.NotNil(t, m1)
	assert.Same(t, m1, m2)
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())

	m.RecordPlan(OutcomeFinished, 150*time.Millisecond)
	m.RecordPlan(OutcomeErrored, time.Second)
	m.RecordTask("edit", true, 10*time.Millisecond)
	m.RecordTask("edit", false, 10*time.Millisecond)
	m.RecordFallback("malformed")
	m.RecordSummary(SummaryCached)
	m.SetSessions(3)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.RequestStarted()
	m.RecordRejected("duplicate")
	m.RecordPublished("step_completed", nil)
	m.RecordPublished("error", errors.New("nats down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlansTotal.WithLabelValues(OutcomeFinished)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlansTotal.WithLabelValues(OutcomeErrored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("edit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TasksTotal.WithLabelValues("edit", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClassifierFallbacks.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SummariesTotal.WithLabelValues(SummaryCached)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InflightRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectedRequests.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("error", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.PlansTotal))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPlan(OutcomeFinished, time.Second)
		m.RecordTask("act", true, time.Second)
		m.RecordFallback("error")
		m.RecordSummary(SummaryFailed)
		m.SetSessions(1)
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.RequestStarted()
		m.RequestDone()
		m.RecordRejected("rate_limited")
		m.RecordPublished("plan_finished", nil)
	})
}
