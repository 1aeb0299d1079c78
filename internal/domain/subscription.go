package domain

import (
	"time"

	"github.com/google/uuid"
)

type SubscriptionStatus string

const (
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionMuted   SubscriptionStatus = "muted"
	SubscriptionBlocked SubscriptionStatus = "blocked"
)

func (s SubscriptionStatus) Valid() bool {
	return s == SubscriptionActive || s == SubscriptionMuted || s == SubscriptionBlocked
}

type Subscription struct {
	ID        uuid.UUID          `json:"id"`
	UserID    string             `json:"userId"`
	ChannelID uuid.UUID          `json:"channelId"`
	Status    SubscriptionStatus `json:"status"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}
