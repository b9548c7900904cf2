package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"firestore-harness/internal/shared/logger"
)

// Event is a message delivered to subscribers of its Type.
type Event interface {
	Type() string
	Data() interface{}
	Timestamp() time.Time
	Source() string
}

// Handler processes one event.
type Handler func(ctx context.Context, event Event) error

// Bus is the publish/subscribe contract used by in-process backends.
type Bus interface {
	Subscribe(eventType string, handler Handler) (unsubscribe func())
	Publish(ctx context.Context, event Event) error
}

type subscription struct {
	id      uint64
	handler Handler
}

// EventBus is an in-memory Bus. Delivery is synchronous, in subscription order,
// and stops at the first handler error.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64
	logger   logger.Logger
}

func NewEventBus(log logger.Logger) *EventBus {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &EventBus{
		handlers: make(map[string][]subscription),
		logger:   log.WithComponent("eventbus"),
	}
}

// Subscribe registers handler and returns a function removing exactly that handler.
func (eb *EventBus) Subscribe(eventType string, handler Handler) func() {
	eb.mu.Lock()
	eb.nextID++
	id := eb.nextID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})
	eb.mu.Unlock()

	eb.logger.WithFields(map[string]interface{}{
		"handler_id": id,
		"event_type": eventType,
	}).Debug("Subscribed handler")

	var once sync.Once
	return func() {
		once.Do(func() { eb.remove(eventType, id) })
	}
}

func (eb *EventBus) remove(eventType string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(eb.handlers[eventType]) == 0 {
		delete(eb.handlers, eventType)
	}
}

func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	eb.mu.RLock()
	subs := append([]subscription(nil), eb.handlers[event.Type()]...)
	eb.mu.RUnlock()

	for _, s := range subs {
		if err := s.handler(ctx, event); err != nil {
			eb.logger.WithFields(map[string]interface{}{
				"handler_id": s.id,
				"event_type": event.Type(),
				"error":      err.Error(),
			}).Error("Event handler failed")
			return fmt.Errorf("handler %d for %s: %w", s.id, event.Type(), err)
		}
	}
	return nil
}

// BasicEvent is the default Event implementation.
type BasicEvent struct {
	eventType string
	data      interface{}
	timestamp time.Time
	source    string
}

func NewBasicEvent(eventType string, data interface{}, source string) *BasicEvent {
	return &BasicEvent{
		eventType: eventType,
		data:      data,
		timestamp: time.Now(),
		source:    source,
	}
}

func (e *BasicEvent) Type() string         { return e.eventType }
func (e *BasicEvent) Data() interface{}    { return e.data }
func (e *BasicEvent) Timestamp() time.Time { return e.timestamp }
func (e *BasicEvent) Source() string       { return e.source }

// Event types published by document stores. Subscribers filter on the collection in Data.
const (
	EventTypeDocumentWritten = "document.written"
	EventTypeDocumentDeleted = "document.deleted"
)
