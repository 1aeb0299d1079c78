package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
)

// Event types - Client → Server
const (
	EventTypeMessageSend        = "message.send"
	EventTypeMessageRead        = "message.read"
	EventTypeChannelSubscribe   = "channel.subscribe"
	EventTypeChannelUnsubscribe = "channel.unsubscribe"
	EventTypePing               = "ping"
)

// Event types - Server → Client
const (
	EventTypeMessageNew          = "message.new"
	EventTypeMessageStatus       = "message.status"
	EventTypeMessagesRead        = "messages.read"
	EventTypeHistoryCleared      = "history.cleared"
	EventTypeChannelCreated      = "channel.created"
	EventTypeChannelDeleted      = "channel.deleted"
	EventTypeSubscriptionCreated = "subscription.created"
	EventTypeSubscriptionDeleted = "subscription.deleted"
	EventTypeAck                 = "ack"
	EventTypePong                = "pong"
	EventTypeError               = "error"
)

// Event is the base envelope for all WebSocket messages.
type Event struct {
	Type      string          `json:"type"`
	ChannelID *uuid.UUID      `json:"channel_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
}

// --- Client → Server payloads ---

type MessageSendPayload struct {
	Recipients []string       `json:"recipients"`
	Content    string         `json:"content"`
	Type       string         `json:"type,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Nonce      string         `json:"nonce,omitempty"`
}

type MessageReadPayload struct {
	MessageIDs []uuid.UUID `json:"message_ids"`
}

type ChannelPayload struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

// --- Server → Client payloads ---

type MessagePayload struct {
	domain.Message
}

type MessageStatusPayload struct {
	ID     uuid.UUID            `json:"id"`
	Status domain.MessageStatus `json:"status"`
}

type MessageIDsPayload struct {
	IDs []uuid.UUID `json:"ids"`
}

type ChannelEventPayload struct {
	ID   uuid.UUID          `json:"id"`
	Name string             `json:"name,omitempty"`
	Type domain.ChannelType `json:"type,omitempty"`
}

type SubscriptionPayload struct {
	domain.Subscription
}

type AckPayload struct {
	Nonce     string     `json:"nonce,omitempty"`
	MessageID *uuid.UUID `json:"message_id,omitempty"`
	Warning   string     `json:"warning,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Nonce   string `json:"nonce,omitempty"`
}

// NewEvent creates a server→client event with the current timestamp.
func NewEvent(eventType string, channelID *uuid.UUID, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		Type:      eventType,
		ChannelID: channelID,
		Payload:   data,
		Timestamp: time.Now().Unix(),
	}, nil
}
