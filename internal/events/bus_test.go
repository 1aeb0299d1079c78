package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBusDeliversByType(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var all, sent []Type
	bus.Subscribe(func(evt Event) { all = append(all, evt.Type) })
	bus.Subscribe(func(evt Event) { sent = append(sent, evt.Type) }, MessageSent)

	bus.Publish(Event{Type: ChannelCreated})
	bus.Publish(Event{Type: MessageSent})

	assert.Equal(t, []Type{ChannelCreated, MessageSent}, all)
	assert.Equal(t, []Type{MessageSent}, sent)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	calls := 0
	unsubscribe := bus.Subscribe(func(Event) { calls++ })
	bus.Publish(Event{Type: MessageSent})
	unsubscribe()
	bus.Publish(Event{Type: MessageSent})

	assert.Equal(t, 1, calls)
}

func TestBusRecoversFromPanickingHandler(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	delivered := false
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish(Event{Type: MessagesRead}) })
	assert.True(t, delivered)
}

func TestBusStampsTimestamp(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got Event
	bus.Subscribe(func(evt Event) { got = evt })
	bus.Publish(Event{Type: ChannelDeleted})

	assert.False(t, got.Timestamp.IsZero())
}
