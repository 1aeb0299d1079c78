package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
)

type SubscriptionRepo struct {
	db *sql.DB
}

func NewSubscriptionRepo(db *sql.DB) *SubscriptionRepo {
	return &SubscriptionRepo{db: db}
}

const subscriptionColumns = `id, user_id, channel_id, status, metadata, created_at, updated_at`

func scanSubscription(row scanner) (*domain.Subscription, error) {
	var (
		sub      domain.Subscription
		metadata string
		created  int64
		updated  int64
	)
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.ChannelID, &sub.Status, &metadata, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if sub.Metadata, err = repository.DecodeMap([]byte(metadata)); err != nil {
		return nil, err
	}
	sub.CreatedAt = fromNanos(created)
	sub.UpdatedAt = fromNanos(updated)
	return &sub, nil
}

func (r *SubscriptionRepo) CreateOrGet(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, bool, error) {
	metadata, err := repository.EncodeMap(sub.Metadata)
	if err != nil {
		return nil, false, err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, channel_id) DO NOTHING`,
		sub.ID, sub.UserID, sub.ChannelID, sub.Status, metadata, toNanos(sub.CreatedAt), toNanos(sub.UpdatedAt),
	)
	if err != nil {
		return nil, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
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
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ? AND channel_id = ?`, userID, channelID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

func (r *SubscriptionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.SubscriptionStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ?`, status, toNanos(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *SubscriptionRepo) Delete(ctx context.Context, userID string, channelID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE user_id = ? AND channel_id = ?`, userID, channelID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *SubscriptionRepo) ListByUser(ctx context.Context, userID string) ([]domain.Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ? ORDER BY created_at`, userID)
}

func (r *SubscriptionRepo) ListByChannel(ctx context.Context, channelID uuid.UUID) ([]domain.Subscription, error) {
	return r.list(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE channel_id = ? ORDER BY created_at`, channelID)
}

func (r *SubscriptionRepo) list(ctx context.Context, query string, arg any) ([]domain.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
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
