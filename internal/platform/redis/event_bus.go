package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/repackd/internal/events"
	goredis "github.com/redis/go-redis/v9"
)

// EventBus implements events.Bus with Redis PUBLISH and PSUBSCRIBE.
// Each subscription owns one connection and one dispatch goroutine, so
// events published on a channel reach the handler in publish order.
type EventBus struct {
	client *goredis.Client
	logger *slog.Logger
}

// NewEventBus creates an EventBus using client.
func NewEventBus(client *goredis.Client, logger *slog.Logger) *EventBus {
	return &EventBus{
		client: client,
		logger: logger.With("component", "redis_event_bus"),
	}
}

var _ events.Bus = (*EventBus)(nil)

// EmitEvent publishes event on its channel.
func (b *EventBus) EmitEvent(ctx context.Context, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := b.client.Publish(ctx, eventChannel(event.Channel), data).Err(); err != nil {
		b.logger.Error("failed to publish event",
			"event_id", event.ID,
			"channel", event.Channel,
			"error", err)
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe starts delivering events from every channel to handler. It
// returns once the subscription is confirmed by the server.
func (b *EventBus) Subscribe(ctx context.Context, handler events.EventHandler) error {
	pubsub := b.client.PSubscribe(ctx, eventChannelPrefix+"*")

	// Wait for the subscription confirmation so no event emitted after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	go b.dispatch(ctx, pubsub, handler)
	return nil
}

func (b *EventBus) dispatch(ctx context.Context, pubsub *goredis.PubSub, handler events.EventHandler) {
	defer func() {
		if err := pubsub.Close(); err != nil {
			b.logger.Warn("failed to close subscription", "error", err)
		}
	}()

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			var event events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("dropping undecodable event",
					"redis_channel", msg.Channel,
					"error", err)
				continue
			}
			if event.Channel == "" {
				event.Channel = strings.TrimPrefix(msg.Channel, eventChannelPrefix)
			}

			if err := handler.HandleEvent(ctx, &event); err != nil {
				b.logger.Error("handler failed to process event",
					"event_id", event.ID,
					"channel", event.Channel,
					"error", err)
			}
		}
	}
}
