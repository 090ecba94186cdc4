package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/plannerd/internal/orchestrator"
)

// Key identifies an in-flight request: request ids are scoped to the
// connection that submitted them.
type Key struct {
	Conn    string
	Request string
}

// record is the correlation record of one in-flight request.
type record struct {
	key       Key
	sessionID string
	cancel    context.CancelFunc
	// out is where the request's events go once they pass the guard.
	out orchestrator.Sink

	// mu is held across the done check and the forward, so nothing follows
	// the terminal event.
	mu   sync.Mutex
	done bool
}

// deliver forwards ev unless the record is already resolved. A terminal
// event resolves it.
func (r *record) deliver(ctx context.Context, ev orchestrator.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return ErrConnectionClosed
	}
	if ev.Type.Terminal() {
		r.done = true
	}
	return r.out.Emit(ctx, ev)
}

// Correlations is the correlation map shared by every connection of a
// Gateway. It is safe for concurrent use.
type Correlations struct {
	mu      sync.Mutex
	records map[Key]*record
}

// NewCorrelations creates an empty map.
func NewCorrelations() *Correlations {
	return &Correlations{records: make(map[Key]*record)}
}

func (c *Correlations) insert(rec *record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[rec.key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, rec.key.Request)
	}
	c.records[rec.key] = rec
	return nil
}

// Has reports whether k is still in flight.
func (c *Correlations) Has(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.records[k]
	return ok
}

func (c *Correlations) remove(k Key) (*record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[k]
	if ok {
		delete(c.records, k)
	}
	return rec, ok
}

// removeConn removes and returns every record of a connection.
func (c *Correlations) removeConn(conn string) []*record {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*record
	for k, rec := range c.records {
		if k.Conn == conn {
			out = append(out, rec)
			delete(c.records, k)
		}
	}
	return out
}

// Len returns the number of in-flight requests across all connections.
func (c *Correlations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// guardSink admits a run's events only until its record is resolved and lets
// exactly one terminal event through: the run, the disconnect handler or the
// post-run fallback, whichever delivers first.
type guardSink struct {
	records *Correlations
	rec     *record
}

func (s guardSink) Emit(ctx context.Context, ev orchestrator.Event) error {
	if ev.Type.Terminal() {
		s.records.remove(s.rec.key)
	}
	return s.rec.deliver(ctx, ev)
}
