package realtime

import (
	"context"
	"fmt"
)

// HandlerFunc processes one broadcast.
type HandlerFunc func(ctx context.Context, msg Message) error

// Handler is a registered callback. Handlers are compared by pointer, so
// keep the value returned by NewHandler to deregister it later.
type Handler struct {
	name string
	fn   HandlerFunc
}

// NewHandler wraps fn. The name only appears in logs.
func NewHandler(name string, fn HandlerFunc) *Handler {
	return &Handler{name: name, fn: fn}
}

// Name returns the handler's log name.
func (h *Handler) Name() string {
	return h.name
}

func (h *Handler) invoke(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	if h.fn == nil {
		return nil
	}
	return h.fn(ctx, msg)
}
