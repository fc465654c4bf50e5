package telemetry

import (
	"context"

	"github.com/vmpool/vmpool/pkg/engine"
)

// EngineSink adapts an EventPublisher to the engine's notification hook.
type EngineSink struct {
	publisher *EventPublisher
}

var _ engine.EventPublisher = (*EngineSink)(nil)

// NewEngineSink returns a sink publishing engine events to p.
func NewEngineSink(p *EventPublisher) *EngineSink {
	return &EngineSink{publisher: p}
}

// Publish converts the engine event and publishes it.
func (s *EngineSink) Publish(_ context.Context, event *engine.Event) error {
	if event.Type == engine.EventTypeTransition {
		return s.publisher.PublishTransition(event.RequestID, string(event.From), string(event.To), event.Actor, event.Message)
	}

	level := EventLevelInfo
	if event.To == engine.StatePlanFailed || event.To == engine.StateFailed {
		level = EventLevelWarning
	}
	return s.publisher.Publish(Event{
		Timestamp: event.At,
		Type:      event.Type,
		Source:    "engine",
		RequestID: event.RequestID,
		From:      string(event.From),
		To:        string(event.To),
		Actor:     event.Actor,
		Message:   event.Message,
		Level:     level,
	})
}
