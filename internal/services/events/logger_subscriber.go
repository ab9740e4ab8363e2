package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/perago/internal/interfaces"
)

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		// Extract common fields from payload if available
		var sessionID, state string
		statementID := -1
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			if id, ok := payload["session_id"].(string); ok {
				sessionID = id
			}
			if s, ok := payload["state"].(string); ok {
				state = s
			}
			if id, ok := payload["statement_id"].(int); ok {
				statementID = id
			}
		}

		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		if sessionID != "" {
			logEvent = logEvent.Str("session_id", sessionID)
		}
		if statementID >= 0 {
			logEvent = logEvent.Int("statement_id", statementID)
		}
		if state != "" {
			logEvent = logEvent.Str("state", state)
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	if err := eventService.SubscribeAll(subscriber); err != nil {
		return fmt.Errorf("failed to subscribe logger to events: %w", err)
	}

	logger.Info().
		Int("event_type_count", len(interfaces.AllEventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
