package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/plannerd/internal/logging"
	"github.com/fyrsmithlabs/plannerd/internal/metrics"
	"github.com/fyrsmithlabs/plannerd/internal/task"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrEmit wraps a sink failure. No terminal event follows it.
var ErrEmit = errors.New("emitting event failed")

// Run executes req and streams its events to sink. It returns nil once
// plan_finished was emitted. Any other outcome returns the error that was
// reported in the terminal error event, or an ErrEmit error when the sink
// itself failed.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) error {
	start := time.Now()
	ctx = logging.WithRequestID(logging.WithSessionID(ctx, req.SessionID), req.RequestID)

	ctx, span := o.tracer.Start(ctx, "plan.run", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("request.id", req.RequestID),
	))
	defer span.End()

	o.metrics.RequestStarted()
	defer o.metrics.RequestDone()

	o.logger.Debug(ctx, "plan received", zap.Int("text_length", len(req.Text)))

	count, err := o.execute(ctx, req, sink, start)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("plan.task_count", count))

	outcome := metrics.OutcomeFinished
	switch {
	case err == nil:
		o.logger.Info(ctx, "plan finished",
			zap.Int("task_count", count),
			zap.Duration("elapsed", elapsed),
		)
	case ctx.Err() != nil:
		outcome = metrics.OutcomeCancelled
		span.SetStatus(codes.Error, "cancelled")
		o.logger.Info(ctx, "plan cancelled", zap.Int("completed", count), zap.Error(err))
	default:
		outcome = metrics.OutcomeErrored
		span.RecordError(err)
		span.SetStatus(codes.Error, "plan failed")
		o.logger.Warn(ctx, "plan failed", zap.Int("completed", count), zap.Error(err))
	}
	o.metrics.RecordPlan(outcome, elapsed)

	return err
}

// execute walks the state machine and returns how many steps completed.
func (o *Orchestrator) execute(ctx context.Context, req Request, sink Sink, start time.Time) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, o.fail(ctx, req, sink, err)
	}

	unlock, err := o.store.Lock(ctx, req.SessionID)
	if err != nil {
		return 0, o.fail(ctx, req, sink, fmt.Errorf("waiting for session %s: %w", req.SessionID, err))
	}
	defer unlock()
	o.metrics.SetSessions(o.store.Len())

	// classifying
	tasks, err := o.plan(ctx, req.SessionID, req.Text)
	if err != nil {
		return 0, o.fail(ctx, req, sink, err)
	}

	// executing(i)
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			return i, o.fail(ctx, req, sink, fmt.Errorf("plan stopped before step %d of %d: %w", i+1, len(tasks), err))
		}

		res, err := o.dispatch(ctx, req.SessionID, i, t)
		if err != nil {
			return i, o.fail(ctx, req, sink, err)
		}
		if err := ctx.Err(); err != nil {
			o.logger.Debug(ctx, "discarding late result", zap.String("step_id", res.StepID))
			return i, o.fail(ctx, req, sink, fmt.Errorf("plan stopped during step %s: %w", res.StepID, err))
		}

		if err := sink.Emit(ctx, stepEvent(req, res)); err != nil {
			return i, fmt.Errorf("%w: %s for step %s: %v", ErrEmit, EventStepCompleted, res.StepID, err)
		}
		if i == 0 {
			o.store.AppendPrompt(req.SessionID, req.Text)
		}
	}

	// finished
	if err := sink.Emit(ctx, finishedEvent(req, len(tasks), time.Since(start))); err != nil {
		return len(tasks), fmt.Errorf("%w: %s: %v", ErrEmit, EventPlanFinished, err)
	}
	return len(tasks), nil
}

// fail emits the terminal error event for req and returns cause. The event is
// emitted even when ctx is already cancelled.
func (o *Orchestrator) fail(ctx context.Context, req Request, sink Sink, cause error) error {
	if err := sink.Emit(context.WithoutCancel(ctx), ErrorEvent(req.RequestID, req.SessionID, cause)); err != nil {
		o.logger.Debug(ctx, "error event not delivered", zap.Error(err))
	}
	return cause
}

// ClassifyResponse is the result of a single non-streaming classification.
type ClassifyResponse struct {
	StepID   string    `json:"step_id"`
	StepType task.Type `json:"step_type"`
	Intent   string    `json:"intent"`
	Context  string    `json:"context"`
}

// ClassifyOnce classifies text for a session without dispatching it. It mints
// a step id for the first task and appends text to the prompt window.
func (o *Orchestrator) ClassifyOnce(ctx context.Context, sessionID, text string) (ClassifyResponse, error) {
	if sessionID == "" {
		return ClassifyResponse{}, fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if text == "" {
		return ClassifyResponse{}, fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	ctx = logging.WithSessionID(ctx, sessionID)

	ctx, span := o.tracer.Start(ctx, "plan.classify_once", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	unlock, err := o.store.Lock(ctx, sessionID)
	if err != nil {
		return ClassifyResponse{}, fmt.Errorf("waiting for session %s: %w", sessionID, err)
	}
	defer unlock()

	tasks, err := o.plan(ctx, sessionID, text)
	if err != nil {
		span.RecordError(err)
		return ClassifyResponse{}, err
	}

	first := tasks[0]
	resp := ClassifyResponse{
		StepID:   o.store.NextStepID(sessionID),
		StepType: first.Type,
		Intent:   first.Intent,
		Context:  first.Context,
	}
	o.store.AppendPrompt(sessionID, text)
	o.metrics.SetSessions(o.store.Len())

	o.logger.Debug(ctx, "classified",
		zap.String("step_id", resp.StepID),
		zap.String("type", string(resp.StepType)),
		zap.Int("task_count", len(tasks)),
	)
	return resp, nil
}
