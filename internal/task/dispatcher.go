package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// StepIDSource mints step ids unique within a session.
type StepIDSource interface {
	NextStepID(sessionID string) string
}

// Dispatcher routes tasks to registered handlers.
type Dispatcher struct {
	registry *Registry
	steps    StepIDSource
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *Registry, steps StepIDSource, logger *zap.Logger) (*Dispatcher, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if steps == nil {
		return nil, errors.New("step id source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, steps: steps, logger: logger}, nil
}

// Dispatch assigns the task a step id, invokes its handler and wraps the
// payload in a Result. The returned Result carries the step id even when the
// handler fails.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, t Task) (Result, error) {
	if !t.Type.Valid() {
		return Result{}, fmt.Errorf("dispatching task: %w: %q", ErrUnknownType, t.Type)
	}

	t.StepID = d.steps.NextStepID(sessionID)
	res := Result{
		SessionID: sessionID,
		StepID:    t.StepID,
		Intent:    t.Intent,
		Context:   t.Context,
		AgentType: t.Type,
	}

	h, ok := d.registry.Get(t.Type)
	if !ok {
		return res, fmt.Errorf("dispatching %s task %s: %w", t.Type, t.StepID, ErrNoHandler)
	}

	payload, err := h.Handle(ctx, Request{
		SessionID: sessionID,
		StepID:    t.StepID,
		Intent:    t.Intent,
		Context:   t.Context,
	})
	if err != nil {
		return res, fmt.Errorf("%s handler failed for step %s: %w", t.Type, t.StepID, err)
	}

	res.Result = normalizePayload(payload)

	d.logger.Debug("task dispatched",
		zap.String("session_id", sessionID),
		zap.String("step_id", t.StepID),
		zap.String("type", string(t.Type)),
		zap.Int("payload_bytes", len(res.Result)),
	)
	return res, nil
}

// normalizePayload keeps valid JSON as-is and wraps anything else as a JSON
// string, so the envelope always serializes.
func normalizePayload(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(p) {
		return p
	}
	b, _ := json.Marshal(string(p))
	return b
}
