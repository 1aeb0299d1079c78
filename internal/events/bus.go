package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Handler func(evt Event)

type subscriber struct {
	id      uint64
	types   map[Type]struct{}
	handler Handler
}

// Bus fans events out to registered handlers in the publisher's goroutine.
// Handlers must return quickly; slow consumers should hand off to their own queue.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
	logger zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers handler for the given types, or for every type when none
// are given. The returned func removes the registration.
func (b *Bus) Subscribe(handler Handler, types ...Type) func() {
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, types: set, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if len(s.types) > 0 {
			if _, ok := s.types[evt.Type]; !ok {
				continue
			}
		}
		b.deliver(s, evt)
	}
}

func (b *Bus) deliver(s subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("event", string(evt.Type)).Msg("event handler panicked")
		}
	}()
	s.handler(evt)
}
