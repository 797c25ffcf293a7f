package chat

import (
	"sync"
	"time"
)

// EventType represents the type of turn event.
type EventType string

const (
	EventTurnStarted    EventType = "turn_started"
	EventPhaseChanged   EventType = "phase_changed"
	EventMemoryDegraded EventType = "memory_degraded"
	EventTurnCompleted  EventType = "turn_completed"
	EventTurnCancelled  EventType = "turn_cancelled"
	EventTurnFailed     EventType = "turn_failed"
	EventPersisted      EventType = "persisted"
	EventPersistFailed  EventType = "persist_failed"
)

// Event represents a turn event with associated data.
type Event struct {
	Type      EventType
	Timestamp time.Time
	TurnID    string
	PersonaID string
	Phase     Phase
	Err       error
	Data      map[string]string
}

// EventHandler is a function that handles events. Persistence events are
// published from background workers, so handlers must be safe for
// concurrent use.
type EventHandler func(Event)

// EventBus manages event publication and subscription.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe registers a handler for a specific event type.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeAll registers a handler for all event types.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allHandlers = append(eb.allHandlers, handler)
}

// Publish sends an event to all registered handlers.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, handler := range eb.handlers[event.Type] {
		handler(event)
	}
	for _, handler := range eb.allHandlers {
		handler(event)
	}
}

// PublishSimple publishes an event without additional data.
func (eb *EventBus) PublishSimple(eventType EventType, turnID, personaID string) {
	eb.Publish(Event{
		Type:      eventType,
		TurnID:    turnID,
		PersonaID: personaID,
	})
}
