// Package classifier turns a free-form instruction into an ordered list of
// typed tasks.
//
// The primary path asks the completion service for a JSON array of
// {type, text, explanation}. Any failure there (error, timeout, malformed or
// empty output, an unknown type) falls back to a local deterministic result,
// so Classify never fails.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/plannerd/internal/completion"
	"github.com/fyrsmithlabs/plannerd/internal/metrics"
	"github.com/fyrsmithlabs/plannerd/internal/task"
	"go.uber.org/zap"
)

// Fallback reasons, used as metric labels.
const (
	ReasonError       = "error"
	ReasonTimeout     = "timeout"
	ReasonMalformed   = "malformed"
	ReasonEmpty       = "empty"
	ReasonInvalidType = "invalid_type"
)

// FailedExplanation is the explanation carried by the fallback clarify task.
const FailedExplanation = "could not classify the request; ask the user what they want changed"

const systemPrompt = `You route instructions for an assistant that builds and operates a web UI.

Split the user's instruction into one or more tasks, in the order they should run.
Each task has a type:
  - "edit": create or change a UI component (layout, content, style)
  - "act": perform an action on the rendered page (click, type, scroll, navigate)
  - "clarify": the instruction is ambiguous and the user must be asked a question

Use the previous instructions to resolve references such as "it" or "that".
When a reference cannot be resolved, use "clarify".

Reply with a JSON array only, no prose:
[{"type": "edit|act|clarify", "text": "<the part of the instruction this task covers>", "explanation": "<why this type>"}]`

// Classifier decomposes instructions into tasks.
type Classifier struct {
	completer completion.Completer
	heuristic bool
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithHeuristicFallback types fallback tasks with a keyword heuristic instead
// of always returning a single clarify task.
func WithHeuristicFallback(enabled bool) Option {
	return func(c *Classifier) { c.heuristic = enabled }
}

// WithMetrics records fallbacks on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Classifier) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Classifier. A nil completer always takes the fallback path.
func New(c completion.Completer, opts ...Option) *Classifier {
	cl := &Classifier{completer: c, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// rawTask is one element of the model's reply.
type rawTask struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Explanation string `json:"explanation"`
}

// Classify returns a non-empty ordered task list for rawText. Tasks carry
// previousContext as their context and no step id.
func (c *Classifier) Classify(ctx context.Context, rawText, previousContext string) []task.Task {
	if c.completer == nil {
		return c.fallback(rawText, previousContext, ReasonError, errors.New("no completion service configured"))
	}

	reply, err := c.completer.Complete(ctx, systemPrompt, buildPrompt(rawText, previousContext))
	if err != nil {
		reason := ReasonError
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		return c.fallback(rawText, previousContext, reason, err)
	}

	tasks, reason, err := parseTasks(reply, rawText, previousContext)
	if err != nil {
		return c.fallback(rawText, previousContext, reason, err)
	}
	return tasks
}

func buildPrompt(rawText, previousContext string) string {
	var sb strings.Builder
	sb.WriteString("Previous instructions:\n")
	if previousContext == "" {
		sb.WriteString("(none)\n")
	} else {
		sb.WriteString(previousContext)
		sb.WriteString("\n")
	}
	sb.WriteString("\nInstruction:\n")
	sb.WriteString(rawText)
	return sb.String()
}

// parseTasks decodes the model reply. It accepts a bare array, a single
// object, and either wrapped in markdown code fences or surrounding prose.
func parseTasks(reply, rawText, previousContext string) ([]task.Task, string, error) {
	body := extractJSON(reply)
	if body == "" {
		return nil, ReasonMalformed, fmt.Errorf("no JSON in reply")
	}

	var raws []rawTask
	if strings.HasPrefix(body, "{") {
		var one rawTask
		if err := json.Unmarshal([]byte(body), &one); err != nil {
			return nil, ReasonMalformed, fmt.Errorf("decoding task: %w", err)
		}
		raws = []rawTask{one}
	} else if err := json.Unmarshal([]byte(body), &raws); err != nil {
		return nil, ReasonMalformed, fmt.Errorf("decoding tasks: %w", err)
	}

	if len(raws) == 0 {
		return nil, ReasonEmpty, errors.New("empty task list")
	}

	tasks := make([]task.Task, 0, len(raws))
	for i, r := range raws {
		t, err := task.ParseType(r.Type)
		if err != nil {
			return nil, ReasonInvalidType, fmt.Errorf("task %d: %w", i, err)
		}
		text := r.Text
		if strings.TrimSpace(text) == "" {
			text = rawText
		}
		explanation := r.Explanation
		if strings.TrimSpace(explanation) == "" {
			explanation = "classified as " + string(t)
		}
		tasks = append(tasks, task.Task{
			Type:    t,
			Intent:  task.Intent(text, explanation),
			Context: previousContext,
		})
	}
	return tasks, "", nil
}

// extractJSON returns the outermost JSON array or object in s.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return ""
	}
	closer := byte(']')
	if s[start] == '{' {
		closer = '}'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return ""
	}
	return s[start : end+1]
}

func (c *Classifier) fallback(rawText, previousContext, reason string, cause error) []task.Task {
	c.metrics.RecordFallback(reason)
	c.logger.Warn("classification fell back to local result",
		zap.String("reason", reason),
		zap.Bool("heuristic", c.heuristic),
		zap.Error(cause),
	)

	if c.heuristic {
		t, explanation := heuristicType(rawText, previousContext)
		return []task.Task{{
			Type:    t,
			Intent:  task.Intent(rawText, explanation),
			Context: previousContext,
		}}
	}
	return []task.Task{{
		Type:    task.TypeClarify,
		Intent:  task.Intent(rawText, FailedExplanation),
		Context: previousContext,
	}}
}
