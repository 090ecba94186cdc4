// Package events mirrors plan stream events to NATS so that other processes
// can observe plans without holding a client connection.
//
// Every event is published to
//
//	plans.{session_id}.{request_id}.{event_type}
//
// with the event's wire JSON as payload. Subscribers typically use wildcards,
// e.g. "plans.s1.>" for all plans of one session.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/plannerd/internal/metrics"
	"github.com/fyrsmithlabs/plannerd/internal/orchestrator"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix is the first token of every subject.
const SubjectPrefix = "plans"

// Publisher publishes stream events to NATS.
type Publisher struct {
	nc      *nats.Conn
	owned   bool
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPublisher wraps an existing connection. The caller keeps ownership of nc.
func NewPublisher(nc *nats.Conn, m *metrics.Metrics, logger *zap.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, metrics: m, logger: logger}, nil
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url string, m *metrics.Metrics, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("plannerd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	p, _ := NewPublisher(nc, m, logger)
	p.owned = true
	return p, nil
}

// Subject returns the subject for an event. Characters that are not valid
// inside a subject token are replaced with '_'.
func Subject(sessionID, requestID string, t orchestrator.EventType) string {
	return strings.Join([]string{SubjectPrefix, token(sessionID), token(requestID), token(string(t))}, ".")
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Publish sends one event.
func (p *Publisher) Publish(ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}

	err = p.nc.Publish(Subject(ev.SessionID, ev.RequestID, ev.Type), data)
	p.metrics.RecordPublished(string(ev.Type), err)
	if err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	return nil
}

// Wrap returns a sink that forwards to next and mirrors every event. Mirror
// failures are logged and never reported to the run.
func (p *Publisher) Wrap(next orchestrator.Sink) orchestrator.Sink {
	return orchestrator.SinkFunc(func(ctx context.Context, ev orchestrator.Event) error {
		err := next.Emit(ctx, ev)
		if pubErr := p.Publish(ev); pubErr != nil {
			p.logger.Warn("event mirror failed",
				zap.String("request_id", ev.RequestID),
				zap.String("type", string(ev.Type)),
				zap.Error(pubErr),
			)
		}
		return err
	})
}

// Flush waits until the server has processed all published events.
func (p *Publisher) Flush(ctx context.Context) error {
	return p.nc.FlushWithContext(ctx)
}

// Close drains the connection if the publisher owns it.
func (p *Publisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}

// Connected reports whether the underlying connection is currently up.
func (p *Publisher) Connected() bool {
	return p.nc.IsConnected()
}
