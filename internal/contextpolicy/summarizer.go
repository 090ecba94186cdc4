package contextpolicy

import (
	"context"
	"errors"
	"strings"

	"github.com/fyrsmithlabs/plannerd/internal/completion"
)

const summarizeSystemPrompt = `You condense a user's recent instructions to a UI-building assistant.

Summarize the instructions below into one or two sentences that preserve every
concrete detail needed to interpret a follow-up request: component names,
sections, colors, sizes, and any element the user referred to.

Reply with the summary only, no preamble.`

// CompletionSummarizer summarizes through the completion service.
type CompletionSummarizer struct {
	completer completion.Completer
}

// NewCompletionSummarizer creates a summarizer backed by c.
func NewCompletionSummarizer(c completion.Completer) *CompletionSummarizer {
	return &CompletionSummarizer{completer: c}
}

// Summarize implements Summarizer.
func (s *CompletionSummarizer) Summarize(ctx context.Context, previous string) (string, error) {
	out, err := s.completer.Complete(ctx, summarizeSystemPrompt, previous)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("empty summary")
	}
	return out, nil
}
