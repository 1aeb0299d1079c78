package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
)

type Type string

// Lifecycle events produced by the directory and the dispatcher.
const (
	MessageRouted        Type = "messageRouted"
	MessageSent          Type = "messageSent"
	MessageStatusUpdated Type = "messageStatusUpdated"
	MessagesRead         Type = "messagesRead"
	MessagesExpired      Type = "messagesExpired"
	HistoryCleared       Type = "historyCleared"
	ChannelCreated       Type = "channelCreated"
	ChannelDeleted       Type = "channelDeleted"
	SubscriptionCreated  Type = "subscriptionCreated"
	SubscriptionDeleted  Type = "subscriptionDeleted"
)

// Event is a lifecycle notification. Only the fields relevant to Type are set.
type Event struct {
	Type         Type                 `json:"type"`
	Timestamp    time.Time            `json:"timestamp"`
	ChannelID    *uuid.UUID           `json:"channelId,omitempty"`
	MessageID    *uuid.UUID           `json:"messageId,omitempty"`
	MessageIDs   []uuid.UUID          `json:"messageIds,omitempty"`
	UserID       string               `json:"userId,omitempty"`
	Status       domain.MessageStatus `json:"status,omitempty"`
	Count        int                  `json:"count,omitempty"`
	Channel      *domain.Channel      `json:"channel,omitempty"`
	Message      *domain.Message      `json:"message,omitempty"`
	Subscription *domain.Subscription `json:"subscription,omitempty"`
}

// Publisher accepts lifecycle events. Implementations must not block.
type Publisher interface {
	Publish(evt Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
