// Package transport implements the streaming plan interface: a WebSocket
// endpoint that accepts plan_request messages, runs each one asynchronously
// and streams the resulting events back tagged with their request_id, so a
// client can multiplex concurrent plans over one connection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/fyrsmithlabs/plannerd/internal/logging"
	"github.com/fyrsmithlabs/plannerd/internal/metrics"
	"github.com/fyrsmithlabs/plannerd/internal/orchestrator"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// MessagePlanRequest is the only inbound message type.
	MessagePlanRequest = "plan_request"

	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 64 << 10
)

// Rejection reasons recorded in metrics.
const (
	rejectMalformed = "malformed"
	rejectDuplicate = "duplicate"
	rejectRate      = "rate_limited"
	rejectShutdown  = "shutdown"
)

var (
	// ErrDuplicateRequest is reported when a request_id is reused while the
	// first request with that id is still in flight on the connection.
	ErrDuplicateRequest = errors.New("request_id already in flight")
	// ErrConnectionClosed resolves requests whose connection went away.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrRateLimited is reported when a connection exceeds its request rate.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUnsupportedMessage is reported for an inbound message of unknown type.
	ErrUnsupportedMessage = errors.New("unsupported message type")

	errPlanIncomplete = errors.New("plan ended without a result")
)

// Runner executes one plan request, streaming its events to sink.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request, sink orchestrator.Sink) error
}

// PlanRequest is the inbound message.
type PlanRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	StepID    string `json:"step_id,omitempty"`
}

// Options configures a Gateway.
type Options struct {
	WriteTimeout time.Duration
	ReadLimit    int64
	// RateLimit is the sustained plan_request rate per connection, per
	// second. Zero disables limiting.
	RateLimit float64
	RateBurst int

	// OriginPatterns are passed to websocket.Accept for cross-origin checks.
	OriginPatterns []string

	// Decorate wraps the per-request connection sink, e.g. to mirror every
	// event to a message bus. Synthetic disconnect errors go through it too.
	Decorate func(orchestrator.Sink) orchestrator.Sink

	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Gateway is an http.Handler serving the plan stream.
type Gateway struct {
	runner  Runner
	opts    Options
	records *Correlations
	metrics *metrics.Metrics
	logger  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	conns  map[*conn]struct{}
	runs   sync.WaitGroup
}

// New creates a Gateway.
func New(runner Runner, opts Options) (*Gateway, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.RateLimit < 0 {
		return nil, fmt.Errorf("rate limit must be >= 0, got %v", opts.RateLimit)
	}
	if opts.RateLimit > 0 && opts.RateBurst < 1 {
		opts.RateBurst = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		runner:  runner,
		opts:    opts,
		records: NewCorrelations(),
		metrics: opts.Metrics,
		logger:  opts.Logger.Named("transport"),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*conn]struct{}),
	}, nil
}

// Inflight returns the number of requests currently running.
func (g *Gateway) Inflight() int {
	return g.records.Len()
}

// startRun registers a run unless the gateway is closed.
func (g *Gateway) startRun() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.runs.Add(1)
	return true
}

// Close cancels every run, waits for the runs to return, then closes all
// connections with StatusGoingAway. Runs report their cancellation to their
// clients before the connections close. Requests arriving after Close are
// rejected.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.runs.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for %d plan runs: %w", g.records.Len(), ctx.Err())
	}

	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		go func(c *conn) {
			_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
		}(c)
	}
	return err
}

func (g *Gateway) track(c *conn) {
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// ServeHTTP upgrades the request to a WebSocket and serves plan requests on
// it until the connection closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.opts.OriginPatterns,
	})
	if err != nil {
		g.logger.Warn(r.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(g.opts.ReadLimit)

	runCtx, cancel := context.WithCancel(g.ctx)
	c := &conn{
		id:           uuid.NewString(),
		ws:           ws,
		ctx:          runCtx,
		writeTimeout: g.opts.WriteTimeout,
		limiter:      rate.NewLimiter(rate.Inf, 0),
	}
	if g.opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(g.opts.RateLimit), g.opts.RateBurst)
	}

	// Cancelling a read closes the connection, so reads are not tied to g.ctx.
	ctx := r.Context()
	logger := g.logger.With(zap.String("conn_id", c.id))

	g.track(c)
	g.metrics.ConnectionOpened()
	logger.Info(ctx, "client connected", zap.String("remote_addr", r.RemoteAddr))
	defer func() {
		cancel()
		n := g.disconnect(c)
		g.untrack(c)
		g.metrics.ConnectionClosed()
		logger.Info(ctx, "client disconnected", zap.Int("resolved_requests", n))
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			switch status := websocket.CloseStatus(err); {
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				logger.Debug(ctx, "connection closed", zap.Int("status", int(status)))
			default:
				logger.Warn(ctx, "read failed, closing connection", zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			g.metrics.RecordRejected(rejectMalformed)
			logger.Warn(ctx, "dropping non-text message")
			continue
		}
		g.handle(ctx, c, data, logger)
	}
}

// handle validates one inbound message and starts its run. It never blocks on
// the run itself.
func (g *Gateway) handle(ctx context.Context, c *conn, data []byte, logger *logging.Logger) {
	var msg PlanRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		g.metrics.RecordRejected(rejectMalformed)
		logger.Warn(ctx, "dropping malformed message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	if msg.Type != MessagePlanRequest {
		g.reject(ctx, c, msg, rejectMalformed, fmt.Errorf("%w: %q", ErrUnsupportedMessage, msg.Type), logger)
		return
	}

	if msg.RequestID == "" && msg.SessionID != "" && msg.Text != "" {
		msg.RequestID = uuid.NewString()
	}
	req := orchestrator.Request{RequestID: msg.RequestID, SessionID: msg.SessionID, Text: msg.Text}
	if err := req.Validate(); err != nil {
		g.reject(ctx, c, msg, rejectMalformed, err, logger)
		return
	}

	if !c.limiter.Allow() {
		g.reject(ctx, c, msg, rejectRate, ErrRateLimited, logger)
		return
	}

	runCtx, cancel := context.WithCancel(c.ctx)
	key := Key{Conn: c.id, Request: req.RequestID}
	var out orchestrator.Sink = orchestrator.SinkFunc(c.emit)
	if g.opts.Decorate != nil {
		out = g.opts.Decorate(out)
	}
	rec := &record{key: key, sessionID: req.SessionID, cancel: cancel, out: out}

	if !g.startRun() {
		cancel()
		g.reject(ctx, c, msg, rejectShutdown, ErrConnectionClosed, logger)
		return
	}
	if err := g.records.insert(rec); err != nil {
		g.runs.Done()
		cancel()
		g.reject(ctx, c, msg, rejectDuplicate, err, logger)
		return
	}
	logger.Debug(ctx, "plan request accepted",
		zap.String("request_id", req.RequestID),
		zap.String("session_id", req.SessionID),
		zap.String("client_step_id", msg.StepID),
	)

	go func() {
		defer g.runs.Done()
		defer cancel()

		err := g.runner.Run(runCtx, req, guardSink{records: g.records, rec: rec})
		if err != nil {
			logger.Debug(runCtx, "plan run ended with error",
				zap.String("request_id", req.RequestID),
				zap.Error(err),
			)
		}
		// A run that returned without a terminal event still gets one.
		if _, ok := g.records.remove(key); ok {
			if err == nil {
				err = errPlanIncomplete
			}
			if emitErr := rec.deliver(context.Background(), orchestrator.ErrorEvent(req.RequestID, req.SessionID, err)); emitErr != nil {
				logger.Debug(runCtx, "error event not delivered", zap.Error(emitErr))
			}
		}
	}()
}

// reject answers msg with an error event if it carries a request_id, else
// drops it with a log line.
func (g *Gateway) reject(ctx context.Context, c *conn, msg PlanRequest, reason string, cause error, logger *logging.Logger) {
	g.metrics.RecordRejected(reason)
	if msg.RequestID == "" {
		logger.Warn(ctx, "dropping plan request without request_id", zap.String("reason", reason), zap.Error(cause))
		return
	}
	logger.Info(ctx, "plan request rejected",
		zap.String("request_id", msg.RequestID),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	if err := c.emit(ctx, orchestrator.ErrorEvent(msg.RequestID, msg.SessionID, cause)); err != nil {
		logger.Debug(ctx, "rejection not delivered", zap.Error(err))
	}
}

// disconnect resolves every in-flight request of c with a synthetic
// connection-closed error and cancels its run. It returns how many requests
// were resolved.
func (g *Gateway) disconnect(c *conn) int {
	recs := g.records.removeConn(c.id)
	for _, rec := range recs {
		rec.cancel()
		ev := orchestrator.ErrorEvent(rec.key.Request, rec.sessionID, ErrConnectionClosed)
		if err := rec.deliver(context.Background(), ev); err != nil {
			g.logger.Debug(context.Background(), "connection-closed event not delivered",
				zap.String("request_id", rec.key.Request),
				zap.Error(err),
			)
		}
	}
	return len(recs)
}

// conn is one client connection.
type conn struct {
	id string
	ws *websocket.Conn

	// ctx parents the connection's runs; cancelled on disconnect.
	ctx          context.Context
	writeTimeout time.Duration
	limiter      *rate.Limiter

	// writeMu serializes writes; websocket.Conn allows one writer at a time.
	writeMu sync.Mutex
}

func (c *conn) emit(ctx context.Context, ev orchestrator.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, c.ws, ev); err != nil {
		return fmt.Errorf("writing %s to connection %s: %w", ev.Type, c.id, err)
	}
	return nil
}
