package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/plannerd/internal/logging"
	"github.com/fyrsmithlabs/plannerd/internal/metrics"
	"github.com/fyrsmithlabs/plannerd/internal/session"
	"github.com/fyrsmithlabs/plannerd/internal/task"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// TracerName is the instrumentation name of orchestrator spans.
const TracerName = "github.com/fyrsmithlabs/plannerd/internal/orchestrator"

var (
	// ErrEmptyPlan is returned when classification produced no tasks.
	ErrEmptyPlan = errors.New("classifier produced an empty plan")
	// ErrInvalidRequest is returned for a request missing required fields.
	ErrInvalidRequest = errors.New("invalid plan request")
)

// Classifier decomposes an instruction into tasks. Implementations never fail;
// they fall back to a clarify task instead.
type Classifier interface {
	Classify(ctx context.Context, rawText, previousContext string) []task.Task
}

// ContextResolver returns the effective previous context for a session.
type ContextResolver interface {
	Resolve(ctx context.Context, key string) (string, error)
}

// Dispatcher runs one task.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, t task.Task) (task.Result, error)
}

// Request is one plan request.
type Request struct {
	RequestID string
	SessionID string
	Text      string
}

// Validate checks the required fields.
func (r Request) Validate() error {
	switch {
	case r.RequestID == "":
		return fmt.Errorf("%w: request_id is required", ErrInvalidRequest)
	case r.SessionID == "":
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	case r.Text == "":
		return fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	return nil
}

// Config wires an Orchestrator.
type Config struct {
	Store      *session.Store
	Context    ContextResolver
	Classifier Classifier
	Dispatcher Dispatcher

	// Optional.
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Logger  *logging.Logger
}

// Orchestrator executes plans.
type Orchestrator struct {
	store      *session.Store
	context    ContextResolver
	classifier Classifier
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *logging.Logger
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Context == nil {
		return nil, errors.New("context resolver is required")
	}
	if cfg.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(TracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	return &Orchestrator{
		store:      cfg.Store,
		context:    cfg.Context,
		classifier: cfg.Classifier,
		dispatcher: cfg.Dispatcher,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger.Named("orchestrator"),
	}, nil
}

// plan resolves the session context and classifies text against it. The
// caller must hold the session run lock.
func (o *Orchestrator) plan(ctx context.Context, sessionID, text string) ([]task.Task, error) {
	ctx, span := o.tracer.Start(ctx, "plan.classify")
	defer span.End()

	previous, err := o.context.Resolve(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "context resolution failed")
		return nil, fmt.Errorf("resolving context: %w", err)
	}

	tasks := o.classifier.Classify(ctx, text, previous)
	span.SetAttributes(
		attribute.Int("plan.task_count", len(tasks)),
		attribute.Int("plan.context_length", len(previous)),
	)
	if len(tasks) == 0 {
		span.SetStatus(codes.Error, ErrEmptyPlan.Error())
		return nil, ErrEmptyPlan
	}
	return tasks, nil
}

// dispatch runs one task inside its own span.
func (o *Orchestrator) dispatch(ctx context.Context, sessionID string, index int, t task.Task) (task.Result, error) {
	ctx, span := o.tracer.Start(ctx, "task.dispatch", trace.WithAttributes(
		attribute.String("task.type", string(t.Type)),
		attribute.Int("task.index", index),
	))
	defer span.End()

	start := time.Now()
	res, err := o.dispatcher.Dispatch(ctx, sessionID, t)
	o.metrics.RecordTask(string(t.Type), err == nil, time.Since(start))

	span.SetAttributes(attribute.String("task.step_id", res.StepID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		o.logger.Warn(ctx, "task failed",
			zap.String("step_id", res.StepID),
			zap.String("type", string(t.Type)),
			zap.Error(err),
		)
	}
	return res, err
}
