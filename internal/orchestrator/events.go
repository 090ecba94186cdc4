package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/plannerd/internal/task"
)

// EventType tags a stream event.
type EventType string

const (
	EventStepCompleted EventType = "step_completed"
	EventPlanFinished  EventType = "plan_finished"
	EventError         EventType = "error"
)

// Terminal reports whether the event ends a run.
func (t EventType) Terminal() bool {
	return t == EventPlanFinished || t == EventError
}

// Event is one outbound stream event. Step is set on step_completed,
// TaskCount and Elapsed on plan_finished, Error on error.
type Event struct {
	Type      EventType
	RequestID string
	SessionID string

	Step *task.Result

	TaskCount int
	Elapsed   time.Duration

	Error string
}

// Sink receives the events of a run in order. An error from Emit is a
// transport failure and aborts the run without a further terminal event.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// wireEvent is the flat JSON form shared by all event types.
type wireEvent struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"request_id"`
	StepID    string          `json:"step_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	AgentType task.Type       `json:"agent_type,omitempty"`
	Intent    *string         `json:"intent,omitempty"`
	Context   *string         `json:"context,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	TaskCount *int            `json:"task_count,omitempty"`
	ElapsedMS *int64          `json:"elapsed_ms,omitempty"`
	Error     *string         `json:"error,omitempty"`
}

// MarshalJSON renders the event in its wire form:
//
//	{"type":"step_completed","request_id","step_id","session_id","agent_type","intent","context","result"}
//	{"type":"plan_finished","request_id","task_count","elapsed_ms"}
//	{"type":"error","request_id","error"}
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type, RequestID: e.RequestID}

	switch e.Type {
	case EventStepCompleted:
		if e.Step == nil {
			return nil, fmt.Errorf("step_completed event for request %q has no step", e.RequestID)
		}
		w.StepID = e.Step.StepID
		w.SessionID = e.Step.SessionID
		w.AgentType = e.Step.AgentType
		w.Intent = &e.Step.Intent
		w.Context = &e.Step.Context
		w.Result = e.Step.Result
		if len(w.Result) == 0 {
			w.Result = json.RawMessage("null")
		}
	case EventPlanFinished:
		ms := e.Elapsed.Milliseconds()
		w.TaskCount = &e.TaskCount
		w.ElapsedMS = &ms
	case EventError:
		w.Error = &e.Error
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}

	return json.Marshal(w)
}

// UnmarshalJSON parses the wire form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*e = Event{Type: w.Type, RequestID: w.RequestID, SessionID: w.SessionID}
	switch w.Type {
	case EventStepCompleted:
		step := &task.Result{
			SessionID: w.SessionID,
			StepID:    w.StepID,
			AgentType: w.AgentType,
			Result:    w.Result,
		}
		if w.Intent != nil {
			step.Intent = *w.Intent
		}
		if w.Context != nil {
			step.Context = *w.Context
		}
		e.Step = step
	case EventPlanFinished:
		if w.TaskCount != nil {
			e.TaskCount = *w.TaskCount
		}
		if w.ElapsedMS != nil {
			e.Elapsed = time.Duration(*w.ElapsedMS) * time.Millisecond
		}
	case EventError:
		if w.Error != nil {
			e.Error = *w.Error
		}
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	return nil
}

func stepEvent(req Request, res task.Result) Event {
	return Event{Type: EventStepCompleted, RequestID: req.RequestID, SessionID: req.SessionID, Step: &res}
}

func finishedEvent(req Request, count int, elapsed time.Duration) Event {
	return Event{Type: EventPlanFinished, RequestID: req.RequestID, SessionID: req.SessionID, TaskCount: count, Elapsed: elapsed}
}

// ErrorEvent builds the terminal error event for a request.
func ErrorEvent(requestID, sessionID string, err error) Event {
	return Event{Type: EventError, RequestID: requestID, SessionID: sessionID, Error: err.Error()}
}
