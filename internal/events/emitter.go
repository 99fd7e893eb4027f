package events

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// InMemoryEventEmitter is the single-process Bus. Handlers run synchronously
// in the publisher's goroutine, in registration order, so events on one
// channel are observed in the order they were emitted.
type InMemoryEventEmitter struct {
	handlers map[int]EventHandler
	nextID   int
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewInMemoryEventEmitter creates a new instance of InMemoryEventEmitter.
func NewInMemoryEventEmitter(logger *slog.Logger) *InMemoryEventEmitter {
	return &InMemoryEventEmitter{
		handlers: make(map[int]EventHandler),
		logger:   logger.With("component", "in_memory_event_emitter"),
	}
}

// RegisterHandler adds a new event handler to receive events and returns a
// function that removes it again.
func (e *InMemoryEventEmitter) RegisterHandler(handler EventHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.handlers[id] = handler
	e.logger.Debug("handler registered", "handlers", len(e.handlers))

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

// Subscribe registers handler until ctx is cancelled.
func (e *InMemoryEventEmitter) Subscribe(ctx context.Context, handler EventHandler) error {
	unregister := e.RegisterHandler(handler)
	go func() {
		<-ctx.Done()
		unregister()
	}()
	return nil
}

// EmitEvent delivers event to every handler. A failing handler does not stop
// delivery to the rest; the first error is returned.
func (e *InMemoryEventEmitter) EmitEvent(ctx context.Context, event *Event) error {
	e.mu.RLock()
	ids := make([]int, 0, len(e.handlers))
	for id := range e.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]EventHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, e.handlers[id])
	}
	e.mu.RUnlock()

	e.logger.Debug("publishing event",
		"event_id", event.ID,
		"event_type", event.Type,
		"channel", event.Channel,
		"handlers", len(handlers))

	var firstErr error
	for i, handler := range handlers {
		if err := handler.HandleEvent(ctx, event); err != nil {
			e.logger.Error("event handler failed",
				"error", err,
				"handler_index", i,
				"event_id", event.ID,
				"event_type", event.Type)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// HandlerCount returns the number of registered handlers.
func (e *InMemoryEventEmitter) HandlerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}
