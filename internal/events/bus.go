package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler receives events a subscriber registered for.
type Handler func(event *Event)

// Bus is a thread-safe, fan-out publish/subscribe hub. Handlers run
// synchronously on the emitting goroutine's behalf but are dispatched from a
// snapshot of the subscriber list taken under lock, so a handler that
// subscribes or unsubscribes never deadlocks against Emit.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscription
	nextID      uint64
	log         zerolog.Logger
}

type subscription struct {
	id      uint64
	handler Handler
}

// NewBus creates a new event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[EventType][]subscription),
		log:         log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers handler for eventType and returns an unsubscribe func.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit publishes data to every subscriber of its event type. A panicking
// handler is recovered and logged so one bad subscriber cannot take down the
// emitting component (the Aggregator or ReAnchorCoordinator).
func (b *Bus) Emit(module string, data EventData) {
	event := &Event{
		Type:      data.EventType(),
		Module:    module,
		Timestamp: time.Now(),
		Data:      data,
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers[event.Type]))
	copy(subs, b.subscribers[event.Type])
	b.mu.RUnlock()

	for _, s := range subs {
		b.safeInvoke(s.handler, event)
	}
}

func (b *Bus) safeInvoke(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(event.Type)).
				Msg("event handler panicked")
		}
	}()
	h(event)
}
