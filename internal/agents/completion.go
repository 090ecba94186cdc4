// Package agents provides the default task handlers: completion-backed
// handlers that run in-process, and remote handlers that forward a task to a
// separately deployed agent over HTTP.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/plannerd/internal/completion"
	"github.com/fyrsmithlabs/plannerd/internal/task"
)

var systemPrompts = map[task.Type]string{
	task.TypeEdit: `You design UI components. Given the user's intent and the previous
instructions, describe the component to build or the change to apply: structure,
content and styling. Be concrete and brief.`,

	task.TypeAct: `You operate a web page on the user's behalf. Given the user's intent
and the previous instructions, describe the single page action to perform: the
target element and the interaction (click, type, scroll, navigate).`,

	task.TypeClarify: `The user's request to a UI-building assistant is ambiguous. Given
their intent and previous instructions, ask one short clarifying question.`,
}

// payloadKeys names the result field per task type.
var payloadKeys = map[task.Type]string{
	task.TypeEdit:    "component",
	task.TypeAct:     "action",
	task.TypeClarify: "question",
}

// CompletionHandler handles one task type with the completion service.
type CompletionHandler struct {
	kind      task.Type
	completer completion.Completer
}

// NewCompletionHandler creates a handler for kind.
func NewCompletionHandler(kind task.Type, c completion.Completer) (*CompletionHandler, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", task.ErrUnknownType, kind)
	}
	if c == nil {
		return nil, fmt.Errorf("completion service is required for %s handler", kind)
	}
	return &CompletionHandler{kind: kind, completer: c}, nil
}

// Handle implements task.Handler. The payload is {"<key>": text, "step_id": ...}.
func (h *CompletionHandler) Handle(ctx context.Context, req task.Request) (json.RawMessage, error) {
	var prompt strings.Builder
	prompt.WriteString("Intent: ")
	prompt.WriteString(req.Intent)
	prompt.WriteString("\nPrevious instructions: ")
	if req.Context == "" {
		prompt.WriteString("(none)")
	} else {
		prompt.WriteString(req.Context)
	}

	out, err := h.completer.Complete(ctx, systemPrompts[h.kind], prompt.String())
	if err != nil {
		return nil, fmt.Errorf("%s agent: %w", h.kind, err)
	}

	return json.Marshal(map[string]string{
		payloadKeys[h.kind]: out,
		"step_id":           req.StepID,
	})
}
