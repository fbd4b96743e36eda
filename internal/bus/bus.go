package bus

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler receives one event. Handlers run synchronously on the publisher's goroutine.
type Handler func(Event)

// Subscription identifies one registered handler.
type Subscription struct {
	ID    uuid.UUID
	Topic Topic
}

type subscriber struct {
	id      uuid.UUID
	handler Handler
}

// Bus is a synchronous publish/subscribe register. Handlers for a topic are
// called in registration order; a panicking handler is logged and skipped.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscriber
	status string
	logger zerolog.Logger
}

// New returns an empty bus whose sticky status starts as StatusPending.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[Topic][]subscriber),
		status: StatusPending,
		logger: logger,
	}
}

// Subscribe registers h for topic.
func (b *Bus) Subscribe(topic Topic, h Handler) Subscription {
	sub := Subscription{ID: uuid.New(), Topic: topic}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], subscriber{id: sub.ID, handler: h})
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a handler. Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.Topic]
	for i, s := range list {
		if s.id == sub.ID {
			next := make([]subscriber, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			b.subs[sub.Topic] = next
			return
		}
	}
}

// Publish delivers e to a snapshot of the topic's handlers. Handlers added or
// removed during delivery take effect from the next Publish.
func (b *Bus) Publish(e Event) {
	if e == nil {
		return
	}

	b.mu.Lock()
	if sc, ok := e.(StatusChanged); ok {
		b.status = sc.Status
	}
	handlers := b.subs[e.Topic()]
	b.mu.Unlock()

	for _, s := range handlers {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("topic", string(e.Topic())).
				Str("subscription", s.id.String()).
				Str("panic", fmt.Sprint(r)).
				Msg("event handler panicked")
		}
	}()
	s.handler(e)
}

// Status returns the last connection status published on the bus.
func (b *Bus) Status() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// SubscriberCount reports how many handlers are registered for topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// On subscribes a typed handler. The topic is taken from T's zero value.
func On[T Event](b *Bus, h func(T)) Subscription {
	var zero T
	return b.Subscribe(zero.Topic(), func(e Event) {
		if typed, ok := e.(T); ok {
			h(typed)
		}
	})
}
