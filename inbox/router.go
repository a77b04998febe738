package inbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/velmie/courier"
)

// Router dispatches messages to handlers keyed by message type.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

var _ Handler = (*Router)(nil)

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]Handler)}
}

// Register binds handler to messageType.
func (r *Router) Register(messageType string, handler Handler) error {
	if handler == nil {
		panic("inbox: nil Handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[messageType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, messageType)
	}
	r.handlers[messageType] = handler

	return nil
}

// Handle implements Handler. Unknown types fail permanently.
func (r *Router) Handle(ctx context.Context, msg Message) ([]byte, error) {
	r.mu.RLock()
	handler, ok := r.handlers[msg.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, courier.Permanent(fmt.Errorf("%w: %s", ErrNoHandler, msg.Type))
	}

	return handler.Handle(ctx, msg)
}
