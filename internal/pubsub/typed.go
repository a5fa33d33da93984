package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event[T] wraps a topic name and provides type-safe publishing and
// subscription. UI layers subscribe to events instead of being handed
// callbacks at construction time.
type Event[T any] struct {
	topicName string
}

// NewEvent creates a typed event for a topic.
func NewEvent[T any](name string) Event[T] {
	return Event[T]{topicName: name}
}

// Name returns the topic name.
func (e Event[T]) Name() string {
	return e.topicName
}

// Publish sends a typed event. The compiler ensures 'payload' matches 'T'.
func Publish[T any](ctx context.Context, p Publisher, event Event[T], payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return p.Publish(ctx, Message{
		Topic:   event.Name(),
		Payload: data,
	})
}

// Subscribe registers a typed handler for the event. Payloads that fail to
// decode are logged and dropped rather than nacked; a malformed event on an
// in-process bus is a programming error, not a transient fault.
func Subscribe[T any](ctx context.Context, s Subscriber, event Event[T], handler func(context.Context, T) error) error {
	return s.Subscribe(ctx, event.Name(), func(ctx context.Context, msg Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			slog.Error("Failed to decode typed event", "topic", event.Name(), "error", err)
			return nil
		}
		return handler(ctx, payload)
	})
}
