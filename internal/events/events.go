package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	// TypeTaskUpdate carries a full domain.TaskRecord as its data.
	TypeTaskUpdate = "task_update"
)

// GlobalChannel receives a copy of every task update.
const GlobalChannel = "global"

// Event is the envelope published on the bus.
type Event struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Channel is the task id the event belongs to
	Channel string `json:"channel"`

	// Type indicates how Data should be decoded
	Type string `json:"type"`

	// Data contains the event-specific payload serialized as JSON
	Data json.RawMessage `json:"data"`

	// EmittedAt is the timestamp when the event was created
	EmittedAt time.Time `json:"emitted_at"`
}

// UnmarshalData decodes the event payload into the provided structure.
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// NewEvent creates a new Event for channel with the specified type and data.
func NewEvent(channel, eventType string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:        uuid.New(),
		Channel:   channel,
		Type:      eventType,
		Data:      dataBytes,
		EmittedAt: time.Now().UTC(),
	}, nil
}

// EventHandler defines an interface for components that can handle events.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully.
	HandleEvent(ctx context.Context, event *Event) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, event *Event) error

// HandleEvent calls f(ctx, event).
func (f HandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
// This allows the task tracker to publish changes without knowing who listens.
type EventEmitter interface {
	// EmitEvent publishes the given event to all subscribers.
	// Returns an error if the event cannot be emitted.
	EmitEvent(ctx context.Context, event *Event) error
}

// Bus is an EventEmitter that also accepts subscriptions.
type Bus interface {
	EventEmitter

	// Subscribe delivers every subsequently emitted event to handler until
	// ctx is cancelled. Events for one channel are delivered in emit order.
	Subscribe(ctx context.Context, handler EventHandler) error
}
