package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// subscriberBuffer bounds how far a subscriber may fall behind before its
// oldest events are dropped.
const subscriberBuffer = 64

// Bus fans events out to subscribers by type. Publishing never blocks: a
// subscriber that stops draining loses its oldest buffered events first.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[EventType]map[int]chan Event
	log    zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[EventType]map[int]chan Event),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe returns a channel receiving events of the given types and a
// function that unsubscribes and closes it. Calling the unsubscribe
// function more than once is safe.
func (b *Bus) Subscribe(types ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	for _, t := range types {
		if b.subs[t] == nil {
			b.subs[t] = make(map[int]chan Event)
		}
		b.subs[t][id] = ch
	}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			for _, t := range types {
				delete(b.subs[t], id)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish delivers an event to every subscriber of its type. A zero
// timestamp is stamped with the current time.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[evt.Type] {
		select {
		case ch <- evt:
		default:
			// Full buffer: drop the oldest event to make room. The send
			// stays non-blocking in case the subscriber drained meanwhile.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
			b.log.Debug().
				Str("event_type", string(evt.Type)).
				Msg("Slow subscriber, dropped oldest event")
		}
	}
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	b.Publish(Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Module:    module,
		Data:      data,
	})
}

// EmitError emits an error event.
func (b *Bus) EmitError(module string, err error, context map[string]interface{}) {
	b.Emit(ErrorOccurred, module, map[string]interface{}{
		"error":   err.Error(),
		"context": context,
	})
}
