package ws

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vedran77/relay/internal/events"
	"github.com/vedran77/relay/internal/logging"
)

// Notifier forwards lifecycle events from the bus to connected clients.
type Notifier struct {
	hub    *Hub
	logger zerolog.Logger
}

func NewNotifier(hub *Hub, logger zerolog.Logger) *Notifier {
	return &Notifier{hub: hub, logger: logging.Component(logger, "ws_notifier")}
}

// Attach subscribes the notifier to bus and returns the unsubscribe func.
func (n *Notifier) Attach(bus *events.Bus) func() {
	return bus.Subscribe(n.Handle,
		events.MessageSent,
		events.MessageStatusUpdated,
		events.MessagesRead,
		events.HistoryCleared,
		events.ChannelCreated,
		events.ChannelDeleted,
		events.SubscriptionCreated,
		events.SubscriptionDeleted,
	)
}

func (n *Notifier) Handle(evt events.Event) {
	switch evt.Type {
	case events.MessageSent:
		if evt.Message == nil {
			return
		}
		msg := evt.Message
		n.emit(EventTypeMessageNew, msg.ChannelID, msg.Recipients, MessagePayload{Message: *msg})

	case events.MessageStatusUpdated:
		if evt.Message == nil {
			return
		}
		msg := evt.Message
		n.emit(EventTypeMessageStatus, msg.ChannelID, []string{msg.SenderID}, MessageStatusPayload{ID: msg.ID, Status: evt.Status})

	case events.MessagesRead:
		n.emit(EventTypeMessagesRead, nil, []string{evt.UserID}, MessageIDsPayload{IDs: evt.MessageIDs})

	case events.HistoryCleared:
		if evt.ChannelID == nil {
			return
		}
		n.emit(EventTypeHistoryCleared, evt.ChannelID, nil, MessageIDsPayload{IDs: evt.MessageIDs})

	case events.ChannelCreated:
		if evt.Channel == nil {
			return
		}
		ch := evt.Channel
		n.emit(EventTypeChannelCreated, &ch.ID, ch.Metadata.Participants, ChannelEventPayload{ID: ch.ID, Name: ch.Name, Type: ch.Type})

	case events.ChannelDeleted:
		if evt.ChannelID == nil {
			return
		}
		n.emit(EventTypeChannelDeleted, evt.ChannelID, nil, ChannelEventPayload{ID: *evt.ChannelID})

	case events.SubscriptionCreated, events.SubscriptionDeleted:
		if evt.Subscription == nil {
			return
		}
		typ := EventTypeSubscriptionCreated
		if evt.Type == events.SubscriptionDeleted {
			typ = EventTypeSubscriptionDeleted
		}
		n.emit(typ, evt.ChannelID, []string{evt.UserID}, SubscriptionPayload{Subscription: *evt.Subscription})
	}
}

func (n *Notifier) emit(eventType string, channelID *uuid.UUID, users []string, payload any) {
	evt, err := NewEvent(eventType, channelID, payload)
	if err != nil {
		n.logger.Error().Err(err).Str("type", eventType).Msg("marshal error")
		return
	}
	if channelID == nil && len(users) == 0 {
		return
	}
	n.hub.Broadcast(channelID, users, evt)
}
