package domain

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageDirect    MessageType = "direct"
	MessageGroup     MessageType = "group"
	MessageBroadcast MessageType = "broadcast"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageDirect, MessageGroup, MessageBroadcast:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

func (s MessageStatus) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// CanTransition reports whether a message may move from one status to another.
// Staying in place is allowed and treated as a no-op by callers.
func CanTransition(from, to MessageStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return from == StatusPending
	}
	return statusRank[to] > statusRank[from]
}

type Message struct {
	ID         uuid.UUID      `json:"id"`
	ChannelID  *uuid.UUID     `json:"channelId,omitempty"`
	Type       MessageType    `json:"type"`
	SenderID   string         `json:"senderId"`
	Recipients []string       `json:"recipients"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     MessageStatus  `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	ExpiresAt  *time.Time     `json:"expiresAt,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// ExpiredAt applies the retention rule: explicit expiry wins, otherwise the
// message lives for retention after its timestamp.
func (m *Message) ExpiredAt(now time.Time, retention time.Duration) bool {
	if m.ExpiresAt != nil {
		return now.After(*m.ExpiresAt)
	}
	return now.After(m.Timestamp.Add(retention))
}

// MessageFilter selects messages for read paths. Zero fields match everything.
type MessageFilter struct {
	ChannelID   *uuid.UUID
	Participant string // sender or one of the recipients
	Status      MessageStatus
	Since       *time.Time
	Until       *time.Time
	Limit       int
}

// HistoryFilter selects messages for bulk deletion.
type HistoryFilter struct {
	ChannelID *uuid.UUID
	Before    *time.Time
	Status    MessageStatus
}

func (f HistoryFilter) Empty() bool {
	return f.ChannelID == nil && f.Before == nil && f.Status == ""
}

const previewLen = 120

// Notification is queued for every recipient of a sent message.
type Notification struct {
	MessageID uuid.UUID   `json:"messageId"`
	ChannelID *uuid.UUID  `json:"channelId,omitempty"`
	SenderID  string      `json:"senderId"`
	Type      MessageType `json:"type"`
	Preview   string      `json:"preview"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewNotification(msg *Message) Notification {
	preview := msg.Content
	if utf8.RuneCountInString(preview) > previewLen {
		preview = string([]rune(preview)[:previewLen])
	}
	return Notification{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		SenderID:  msg.SenderID,
		Type:      msg.Type,
		Preview:   preview,
		Timestamp: msg.Timestamp,
	}
}
