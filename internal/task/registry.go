package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler executes one task type. The payload is opaque to the engine and is
// forwarded to the client as-is.
type Handler interface {
	Handle(ctx context.Context, req Request) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Type]Handler, 3)}
}

// Register sets the handler for t, replacing any previous one.
func (r *Registry) Register(t Type, h Handler) error {
	if !t.Valid() {
		return fmt.Errorf("registering handler: %w: %q", ErrUnknownType, t)
	}
	if h == nil {
		return fmt.Errorf("registering handler for %s: handler is nil", t)
	}

	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
	return nil
}

// Get returns the handler for t.
func (r *Registry) Get(t Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Missing returns the task types with no registered handler.
func (r *Registry) Missing() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []Type
	for _, t := range AllTypes() {
		if _, ok := r.handlers[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}
