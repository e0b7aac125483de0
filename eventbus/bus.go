package eventbus

import (
	"context"
	"sync"
)

// Handler receives a published Event. Handlers run synchronously in
// Publish's caller for Bus implementations that dispatch inline, and on a
// dedicated consumer goroutine for broker-backed implementations.
type Handler func(ctx context.Context, event Event)

// Bus publishes events and lets callers subscribe to them (spec.md
// §4.6). Subscribe returns an unsubscribe function.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(handler Handler) (unsubscribe func())
	Close() error
}

// InlineBus dispatches published events synchronously to every current
// subscriber, in-process. Delivery is at-most-once: a subscriber added
// after Publish returns never sees that event (spec.md §4.6).
type InlineBus struct {
	mu       sync.Mutex
	handlers map[int]Handler
	nextID   int
}

// NewInlineBus returns a ready-to-use InlineBus.
func NewInlineBus() *InlineBus {
	return &InlineBus{handlers: make(map[int]Handler)}
}

// Publish dispatches event to every currently-registered subscriber, on
// the caller's goroutine.
func (b *InlineBus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ctx, event)
	}
	return nil
}

// Subscribe registers handler and returns a function that removes it.
func (b *InlineBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Close is a no-op for InlineBus; it exists to satisfy Bus.
func (b *InlineBus) Close() error { return nil }

var _ Bus = (*InlineBus)(nil)
