// Package task defines the typed units of work a plan is made of and the
// dispatcher that routes each one to its registered handler.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownType indicates a task type outside edit, act and clarify.
	ErrUnknownType = errors.New("unknown task type")

	// ErrNoHandler indicates no handler is registered for a task type.
	ErrNoHandler = errors.New("no handler registered")
)

// Type is the closed set of task kinds.
type Type string

const (
	// TypeEdit changes the UI component being built.
	TypeEdit Type = "edit"

	// TypeAct performs an action on the rendered page.
	TypeAct Type = "act"

	// TypeClarify asks the user a clarifying question.
	TypeClarify Type = "clarify"
)

// AllTypes returns every task type.
func AllTypes() []Type {
	return []Type{TypeEdit, TypeAct, TypeClarify}
}

// Valid reports whether t is one of the known task types.
func (t Type) Valid() bool {
	switch t {
	case TypeEdit, TypeAct, TypeClarify:
		return true
	}
	return false
}

// ParseType parses s case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Task is a single typed unit of work.
type Task struct {
	Type Type `json:"type"`
	// Intent is "<user-derived text> | <explanation>".
	Intent string `json:"intent"`
	// Context is the previous-prompt context or its summary.
	Context string `json:"context"`
	// StepID is assigned at dispatch time.
	StepID string `json:"step_id,omitempty"`
}

// DefaultExplanation stands in for a blank explanation.
const DefaultExplanation = "no explanation given"

// Intent renders the intent string for a task from the classifier's text and
// explanation. The result always carries the " | " delimiter.
func Intent(text, explanation string) string {
	text = strings.TrimSpace(text)
	explanation = strings.TrimSpace(explanation)
	if explanation == "" {
		explanation = DefaultExplanation
	}
	return text + " | " + explanation
}

// Request is what a handler receives.
type Request struct {
	SessionID string `json:"session_id"`
	StepID    string `json:"step_id"`
	Intent    string `json:"intent"`
	Context   string `json:"context"`
}

// Result is the normalized envelope for a handled task.
type Result struct {
	SessionID string          `json:"session_id"`
	StepID    string          `json:"step_id"`
	Intent    string          `json:"intent"`
	Context   string          `json:"context"`
	Result    json.RawMessage `json:"result"`
	AgentType Type            `json:"agent_type"`
}
