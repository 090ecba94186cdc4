// Package contextpolicy decides what previous-prompt context a new request
// sees: the raw sliding window, or a summary of it once the window grows past
// the store's threshold.
package contextpolicy

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/plannerd/internal/metrics"
	"github.com/fyrsmithlabs/plannerd/internal/session"
	"go.uber.org/zap"
)

// Summarizer condenses a previous-prompt context.
type Summarizer interface {
	Summarize(ctx context.Context, previous string) (string, error)
}

// Policy resolves the context for a session.
type Policy struct {
	store      *session.Store
	summarizer Summarizer
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// New creates a Policy. summarizer may be nil, in which case long contexts
// are passed through raw.
func New(store *session.Store, summarizer Summarizer, m *metrics.Metrics, logger *zap.Logger) (*Policy, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{store: store, summarizer: summarizer, metrics: m, logger: logger}, nil
}

// Resolve returns the context for the next task of session key.
//
// Below the threshold the raw joined window is returned without calling the
// summarizer. Above it, a summary cached for the exact current window is
// reused, else one is generated and cached. A failed summarization degrades
// to the raw window; only cancellation of ctx is returned as an error.
func (p *Policy) Resolve(ctx context.Context, key string) (string, error) {
	previous, needsSummary := p.store.ReadContext(key)
	if !needsSummary {
		return previous, nil
	}

	if summary, ok := p.store.CachedSummary(key); ok {
		p.metrics.RecordSummary(metrics.SummaryCached)
		return summary, nil
	}

	if p.summarizer == nil {
		return previous, nil
	}

	summary, err := p.summarizer.Summarize(ctx, previous)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("summarizing context: %w", ctxErr)
		}
		p.metrics.RecordSummary(metrics.SummaryFailed)
		p.logger.Warn("context summarization failed, using raw context",
			zap.String("session_id", key),
			zap.Int("context_chars", len(previous)),
			zap.Error(err),
		)
		return previous, nil
	}

	p.store.SetSummary(key, previous, summary)
	p.metrics.RecordSummary(metrics.SummaryGenerated)
	p.logger.Debug("context summarized",
		zap.String("session_id", key),
		zap.Int("context_chars", len(previous)),
		zap.Int("summary_chars", len(summary)),
	)
	return summary, nil
}
