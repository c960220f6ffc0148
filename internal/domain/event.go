package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Registry events.
	EventSpecialistRegistered    EventType = "specialist.registered"
	EventSpecialistDeregistered  EventType = "specialist.deregistered"
	EventSpecialistStatusChanged EventType = "specialist.status_changed"
	EventSpecialistDiscovered    EventType = "specialist.discovered"

	// Health monitor events.
	EventProbeFailed       EventType = "health.probe_failed"
	EventRecoveryAttempted EventType = "health.recovery_attempted"
	EventRecoveryDisabled  EventType = "health.recovery_disabled"

	// Router events.
	EventRouteDispatched  EventType = "route.dispatched"
	EventRouteSubstituted EventType = "route.substituted"

	// Pipeline events.
	EventPipelineDefined   EventType = "pipeline.defined"
	EventPipelineRemoved   EventType = "pipeline.removed"
	EventPipelineAdvanced  EventType = "pipeline.advanced"
	EventPipelineDelivered EventType = "pipeline.delivered"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type         EventType       `json:"type"`
	Timestamp    time.Time       `json:"timestamp"`
	SpecialistID string          `json:"specialist_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
