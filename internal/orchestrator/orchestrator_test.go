package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/plannerd/internal/contextpolicy"
	"github.com/fyrsmithlabs/plannerd/internal/metrics"
	"github.com/fyrsmithlabs/plannerd/internal/session"
	"github.com/fyrsmithlabs/plannerd/internal/task"
	"github.com/fyrsmithlabs/plannerd/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classifierFunc func(ctx context.Context, rawText, previous string) []task.Task

func (f classifierFunc) Classify(ctx context.Context, rawText, previous string) []task.Task {
	return f(ctx, rawText, previous)
}

// planOf classifies every instruction into one task per type given.
func planOf(types ...task.Type) Classifier {
	return classifierFunc(func(_ context.Context, raw, previous string) []task.Task {
		out := make([]task.Task, 0, len(types))
		for _, typ := range types {
			out = append(out, task.Task{Type: typ, Intent: task.Intent(raw, string(typ)), Context: previous})
		}
		return out
	})
}

func echo(_ context.Context, req task.Request) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"echo": req.Intent})
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	failOn EventType
}

func (r *recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if r.failOn != "" && ev.Type == r.failOn {
		return errors.New("connection reset")
	}
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) types() []EventType {
	var out []EventType
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store   *session.Store
	reg     *task.Registry
	metrics *metrics.Metrics
	tel     *telemetry.TestTelemetry
	orch    *Orchestrator
}

func newFixture(t *testing.T, cls Classifier) *fixture {
	t.Helper()

	store := session.NewStore(2, 100)
	policy, err := contextpolicy.New(store, nil, nil, nil)
	require.NoError(t, err)

	reg := task.NewRegistry()
	for _, typ := range task.AllTypes() {
		require.NoError(t, reg.Register(typ, task.HandlerFunc(echo)))
	}
	disp, err := task.NewDispatcher(reg, store, nil)
	require.NoError(t, err)

	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	tel := telemetry.NewTestTelemetry()

	orch, err := New(Config{
		Store:      store,
		Context:    policy,
		Classifier: cls,
		Dispatcher: disp,
		Metrics:    m,
		Tracer:     tel.Tracer("test"),
	})
	require.NoError(t, err)

	return &fixture{store: store, reg: reg, metrics: m, tel: tel, orch: orch}
}

func (f *fixture) run(t *testing.T, requestID, sessionID, text string) (*recorder, error) {
	t.Helper()
	rec := &recorder{}
	err := f.orch.Run(context.Background(), Request{RequestID: requestID, SessionID: sessionID, Text: text}, rec)
	return rec, err
}

func TestNew_Validation(t *testing.T) {
	store := session.NewStore(0, -1)
	policy, _ := contextpolicy.New(store, nil, nil, nil)
	disp, _ := task.NewDispatcher(task.NewRegistry(), store, nil)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no store", Config{Context: policy, Classifier: planOf(task.TypeEdit), Dispatcher: disp}},
		{"no context", Config{Store: store, Classifier: planOf(task.TypeEdit), Dispatcher: disp}},
		{"no classifier", Config{Store: store, Context: policy, Dispatcher: disp}},
		{"no dispatcher", Config{Store: store, Context: policy, Classifier: planOf(task.TypeEdit)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestRun_FirstInstructionInSession(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit))

	rec, err := f.run(t, "r1", "s1", "Add a hero section")
	require.NoError(t, err)

	events := rec.all()
	require.Len(t, events, 2)

	step := events[0]
	assert.Equal(t, EventStepCompleted, step.Type)
	assert.Equal(t, "r1", step.RequestID)
	require.NotNil(t, step.Step)
	assert.Equal(t, "s1-1", step.Step.StepID)
	assert.Equal(t, task.TypeEdit, step.Step.AgentType)
	assert.Equal(t, "", step.Step.Context)
	assert.Equal(t, "Add a hero section | edit", step.Step.Intent)

	done := events[1]
	assert.Equal(t, EventPlanFinished, done.Type)
	assert.Equal(t, "r1", done.RequestID)
	assert.Equal(t, 1, done.TaskCount)

	previous, _ := f.store.ReadContext("s1")
	assert.Equal(t, "Add a hero section", previous)
}

func TestRun_FollowUpSeesPreviousPrompt(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit))

	_, err := f.run(t, "r1", "s1", "Add a hero section")
	require.NoError(t, err)
	rec, err := f.run(t, "r2", "s1", "Make the button bigger")
	require.NoError(t, err)

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, "s1-2", events[0].Step.StepID)
	assert.Equal(t, "Add a hero section", events[0].Step.Context)

	previous, _ := f.store.ReadContext("s1")
	assert.Equal(t, "Add a hero section Make the button bigger", previous)
}

func TestRun_MultiTaskPlanInOrder(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit, task.TypeAct, task.TypeClarify))

	rec, err := f.run(t, "r1", "s1", "add a login form and click submit")
	require.NoError(t, err)

	assert.Equal(t, []EventType{EventStepCompleted, EventStepCompleted, EventStepCompleted, EventPlanFinished}, rec.types())

	events := rec.all()
	assert.Equal(t, "s1-1", events[0].Step.StepID)
	assert.Equal(t, task.TypeEdit, events[0].Step.AgentType)
	assert.Equal(t, "s1-2", events[1].Step.StepID)
	assert.Equal(t, task.TypeAct, events[1].Step.AgentType)
	assert.Equal(t, "s1-3", events[2].Step.StepID)
	assert.Equal(t, 3, events[3].TaskCount)

	previous, _ := f.store.ReadContext("s1")
	assert.Equal(t, "add a login form and click submit", previous, "prompt appended once per request")

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PlansTotal.WithLabelValues(metrics.OutcomeFinished)))
	assert.Equal(t, 3, testutil.CollectAndCount(f.metrics.TasksTotal))
}

func TestRun_HandlerFailureTerminatesPlan(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit, task.TypeAct, task.TypeEdit))
	require.NoError(t, f.reg.Register(task.TypeAct, task.HandlerFunc(func(context.Context, task.Request) (json.RawMessage, error) {
		return nil, errors.New("browser unavailable")
	})))

	rec, err := f.run(t, "r1", "s1", "add a form and click submit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser unavailable")

	assert.Equal(t, []EventType{EventStepCompleted, EventError}, rec.types())
	last := rec.all()[1]
	assert.Equal(t, "r1", last.RequestID)
	assert.Contains(t, last.Error, "act handler failed for step s1-2")

	previous, _ := f.store.ReadContext("s1")
	assert.Equal(t, "add a form and click submit", previous)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PlansTotal.WithLabelValues(metrics.OutcomeErrored)))
}

func TestRun_FirstHandlerFailureLeavesWindowUnchanged(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit))
	require.NoError(t, f.reg.Register(task.TypeEdit, task.HandlerFunc(func(context.Context, task.Request) (json.RawMessage, error) {
		return nil, context.DeadlineExceeded
	})))

	rec, err := f.run(t, "r1", "s1", "Add a hero section")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []EventType{EventError}, rec.types())

	previous, _ := f.store.ReadContext("s1")
	assert.Empty(t, previous)
}

func TestRun_EmptyPlan(t *testing.T) {
	f := newFixture(t, classifierFunc(func(context.Context, string, string) []task.Task { return nil }))

	rec, err := f.run(t, "r1", "s1", "Add a hero section")
	require.ErrorIs(t, err, ErrEmptyPlan)

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, ErrEmptyPlan.Error(), events[0].Error)
}

func TestRun_InvalidRequest(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit))

	tests := []struct {
		name string
		req  Request
	}{
		{"no text", Request{RequestID: "r1", SessionID: "s1"}},
		{"no session", Request{RequestID: "r1", Text: "x"}},
		{"no request id", Request{SessionID: "s1", Text: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			err := f.orch.Run(context.Background(), tt.req, rec)
			require.ErrorIs(t, err, ErrInvalidRequest)
			assert.Equal(t, []EventType{EventError}, rec.types())
		})
	}
}

func TestRun_CancellationStopsDispatch(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit, task.TypeAct))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var actCalls atomic.Int32
	require.NoError(t, f.reg.Register(task.TypeEdit, task.HandlerFunc(func(ctx context.Context, req task.Request) (json.RawMessage, error) {
		cancel()
		return echo(ctx, req)
	})))
	require.NoError(t, f.reg.Register(task.TypeAct, task.HandlerFunc(func(ctx context.Context, req task.Request) (json.RawMessage, error) {
		actCalls.Add(1)
		return echo(ctx, req)
	})))

	rec := &recorder{}
	err := f.orch.Run(ctx, Request{RequestID: "r1", SessionID: "s1", Text: "add a form and click submit"}, rec)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []EventType{EventError}, rec.types(), "late result discarded")
	assert.Zero(t, actCalls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PlansTotal.WithLabelValues(metrics.OutcomeCancelled)))
}

func TestRun_SinkFailureAborts(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit, task.TypeAct))

	rec := &recorder{failOn: EventStepCompleted}
	err := f.orch.Run(context.Background(), Request{RequestID: "r1", SessionID: "s1", Text: "x"}, rec)
	require.ErrorIs(t, err, ErrEmit)

	assert.Equal(t, []EventType{EventStepCompleted}, rec.types(), "no events after a failed write")
}

func TestRun_SameSessionRunsSerialize(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit, task.TypeAct))

	var active, peak atomic.Int32
	slow := task.HandlerFunc(func(ctx context.Context, req task.Request) (json.RawMessage, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return echo(ctx, req)
	})
	require.NoError(t, f.reg.Register(task.TypeEdit, slow))
	require.NoError(t, f.reg.Register(task.TypeAct, slow))

	const runs = 5
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.run(t, fmt.Sprintf("r%d", i), "s1", fmt.Sprintf("instruction %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, fmt.Sprintf("s1-%d", runs*2+1), f.store.NextStepID("s1"))
}

func TestRun_DifferentSessionsDoNotBlock(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit))

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, f.reg.Register(task.TypeEdit, task.HandlerFunc(func(ctx context.Context, req task.Request) (json.RawMessage, error) {
		if req.SessionID == "blocked" {
			close(started)
			<-release
		}
		return echo(ctx, req)
	})))

	done := make(chan error, 1)
	go func() {
		_, err := f.run(t, "r1", "blocked", "Add a hero section")
		done <- err
	}()
	<-started

	rec, err := f.run(t, "r2", "free", "Add a footer")
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventStepCompleted, EventPlanFinished}, rec.types())

	close(release)
	require.NoError(t, <-done)
}

func TestRun_LockWaitCancelled(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit))

	unlock, err := f.store.Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rec := &recorder{}
	err = f.orch.Run(ctx, Request{RequestID: "r1", SessionID: "s1", Text: "x"}, rec)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []EventType{EventError}, rec.types())
}

func TestRun_Spans(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit, task.TypeAct))

	_, err := f.run(t, "r1", "s1", "add a form and click submit")
	require.NoError(t, err)

	f.tel.AssertSpanExists(t, "plan.run")
	f.tel.AssertSpanExists(t, "plan.classify")
	f.tel.AssertSpanAttribute(t, "plan.run", "request.id", "r1")
	f.tel.AssertSpanAttribute(t, "plan.run", "plan.task_count", int64(2))
	assert.Len(t, f.tel.SpansByName("task.dispatch"), 2)
}

func TestClassifyOnce(t *testing.T) {
	f := newFixture(t, planOf(task.TypeEdit, task.TypeAct))

	resp, err := f.orch.ClassifyOnce(context.Background(), "s1", "Add a hero section")
	require.NoError(t, err)
	assert.Equal(t, ClassifyResponse{
		StepID:   "s1-1",
		StepType: task.TypeEdit,
		Intent:   "Add a hero section | edit",
		Context:  "",
	}, resp)

	resp, err = f.orch.ClassifyOnce(context.Background(), "s1", "Make the button bigger")
	require.NoError(t, err)
	assert.Equal(t, "s1-2", resp.StepID)
	assert.Equal(t, "Add a hero section", resp.Context)

	_, err = f.orch.ClassifyOnce(context.Background(), "s1", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEvent_JSON(t *testing.T) {
	step := stepEvent(Request{RequestID: "r1", SessionID: "s1"}, task.Result{
		SessionID: "s1",
		StepID:    "s1-1",
		Intent:    "Add a hero section | new component",
		AgentType: task.TypeEdit,
		Result:    json.RawMessage(`{"component":"hero"}`),
	})
	b, err := json.Marshal(step)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"step_completed","request_id":"r1","step_id":"s1-1","session_id":"s1",
		"agent_type":"edit","intent":"Add a hero section | new component","context":"",
		"result":{"component":"hero"}
	}`, string(b))

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, step.Step, back.Step)

	b, err = json.Marshal(finishedEvent(Request{RequestID: "r1"}, 2, 1500*time.Millisecond))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"plan_finished","request_id":"r1","task_count":2,"elapsed_ms":1500}`, string(b))

	b, err = json.Marshal(ErrorEvent("r1", "s1", errors.New("connection closed")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","request_id":"r1","error":"connection closed"}`, string(b))

	_, err = json.Marshal(Event{Type: EventStepCompleted})
	assert.Error(t, err)
	assert.Error(t, json.Unmarshal([]byte(`{"type":"bogus"}`), &back))
}

func TestEventType_Terminal(t *testing.T) {
	assert.False(t, EventStepCompleted.Terminal())
	assert.True(t, EventPlanFinished.Terminal())
	assert.True(t, EventError.Terminal())
}
