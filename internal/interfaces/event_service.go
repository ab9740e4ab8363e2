package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	EventSessionCreated     EventType = "session.created"
	EventSessionState       EventType = "session.state"
	EventSessionDeleted     EventType = "session.deleted"
	EventStatementSubmitted EventType = "statement.submitted"
	EventStatementSettled   EventType = "statement.settled"
	EventStatementCanceled  EventType = "statement.canceled"
)

// AllEventTypes lists every event type published on the bus, in a stable
// order. The websocket handler uses it to validate client subscriptions.
var AllEventTypes = []EventType{
	EventSessionCreated,
	EventSessionState,
	EventSessionDeleted,
	EventStatementSubmitted,
	EventStatementSettled,
	EventStatementCanceled,
}

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Unsubscribe from an event type
	Unsubscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll subscribes the handler to every known event type
	SubscribeAll(handler EventHandler) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
