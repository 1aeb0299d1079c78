package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
)

// ErrNotFound is returned by deletes that matched no row. Lookups return (nil, nil) instead.
var ErrNotFound = errors.New("record not found")

type ChannelRepository interface {
	FindAll(ctx context.Context) ([]domain.Channel, error)
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Channel, error)
	FindByName(ctx context.Context, name string, chType domain.ChannelType) (*domain.Channel, error)
	// CreateOrGet inserts ch unless a channel with the same (name, type)
	// exists, and returns the stored row and whether this call created it.
	CreateOrGet(ctx context.Context, ch *domain.Channel) (*domain.Channel, bool, error)
	Upsert(ctx context.Context, ch *domain.Channel) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error)
	// UpdateStatus moves the message from one status to another only if it
	// is still in from, and reports whether a row changed.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.MessageStatus, at time.Time) (bool, error)
	List(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error)
	DeleteExpired(ctx context.Context, now time.Time, retention time.Duration) ([]uuid.UUID, error)
	DeleteMany(ctx context.Context, filter domain.HistoryFilter) ([]uuid.UUID, error)
}

type SubscriptionRepository interface {
	// CreateOrGet inserts sub unless (user, channel) is already subscribed.
	CreateOrGet(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, bool, error)
	Get(ctx context.Context, userID string, channelID uuid.UUID) (*domain.Subscription, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.SubscriptionStatus, at time.Time) error
	Delete(ctx context.Context, userID string, channelID uuid.UUID) error
	ListByUser(ctx context.Context, userID string) ([]domain.Subscription, error)
	ListByChannel(ctx context.Context, channelID uuid.UUID) ([]domain.Subscription, error)
}
