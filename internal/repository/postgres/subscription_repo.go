package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
)

type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

const subscriptionColumns = `id, user_id, channel_id, status, metadata, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub      domain.Subscription
		status   string
		metadata []byte
	)
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.ChannelID, &status, &metadata, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.Status = domain.SubscriptionStatus(status)

	var err error
	if sub.Metadata, err = repository.DecodeMap(metadata); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *SubscriptionRepo) CreateOrGet(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, bool, error) {
	metadata, err := repository.EncodeMap(sub.Metadata)
	if err != nil {
		return nil, false, err
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, channel_id) DO NOTHING`,
		sub.ID, sub.UserID, sub.ChannelID, string(sub.Status), metadata, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return sub, true, nil
	}

	existing, err := r.Get(ctx, sub.UserID, sub.ChannelID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("subscription vanished after conflict")
	}
	return existing, false, nil
}

func (r *SubscriptionRepo) Get(ctx context.Context, userID string, channelID uuid.UUID) (*domain.Subscription, error) {
	sub, err := scanSubscription(r.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 AND channel_id = $2`, userID, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

func (r *SubscriptionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.SubscriptionStatus, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE subscriptions SET status = $1, updated_at = $2 WHERE id = $3`, string(status), at, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *SubscriptionRepo) Delete(ctx context.Context, userID string, channelID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM subscriptions WHERE user_id = $1 AND channel_id = $2`, userID, channelID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *SubscriptionRepo) ListByUser(ctx context.Context, userID string) ([]domain.Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (r *SubscriptionRepo) ListByChannel(ctx context.Context, channelID uuid.UUID) ([]domain.Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE channel_id = $1 ORDER BY created_at`, channelID)
}

func (r *SubscriptionRepo) list(ctx context.Context, query string, arg any) ([]domain.Subscription, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}
