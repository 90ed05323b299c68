package events

import (
	"log/slog"
	"sync"
)

// Handler receives bus events. A handler that panics is isolated: the panic
// is logged and swallowed so sibling handlers still fire.
type Handler func(LoopEvent)

// Bus is a process-wide typed publish/subscribe channel for loop events.
// Delivery is at-most-once and synchronous with Emit.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	logger   *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{handlers: make(map[int]Handler), logger: logger}
}

// Subscribe registers a handler and returns its unsubscribe function. The
// unsubscribe function is idempotent.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers the event to every current subscriber.
func (b *Bus) Emit(ev LoopEvent) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev LoopEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "type", ev.Type, "loop", ev.LoopID, "panic", r)
		}
	}()
	h(ev)
}

// SubscriberCount returns the number of registered handlers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Clear drops all subscribers.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[int]Handler)
}
