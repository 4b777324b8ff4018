// Package pubsub provides a generic publish/subscribe event system used to fan
// out bridge state changes, tool invocations and log lines to observers.
package pubsub

import (
	"context"
	"time"
)

// EventType classifies a published event.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"

	// StateChangedEvent is published when a bridge session changes connection state.
	StateChangedEvent EventType = "state_changed"
	// ToolCalledEvent is published after a tool invocation completes (either side of the bridge).
	ToolCalledEvent EventType = "tool_called"
)

// Event wraps a payload with its type and publish time.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}
