package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
)

type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

const messageColumns = `id, channel_id, type, sender_id, recipients, content, metadata, status, created_at, expires_at, updated_at`

func scanMessage(row pgx.Row) (*domain.Message, error) {
	var (
		msg        domain.Message
		msgType    string
		status     string
		recipients []byte
		metadata   []byte
	)
	if err := row.Scan(&msg.ID, &msg.ChannelID, &msgType, &msg.SenderID, &recipients, &msg.Content,
		&metadata, &status, &msg.Timestamp, &msg.ExpiresAt, &msg.UpdatedAt); err != nil {
		return nil, err
	}
	msg.Type = domain.MessageType(msgType)
	msg.Status = domain.MessageStatus(status)

	var err error
	if msg.Recipients, err = repository.DecodeStrings(recipients); err != nil {
		return nil, err
	}
	if msg.Metadata, err = repository.DecodeMap(metadata); err != nil {
		return nil, err
	}
	return &msg, nil
}

// where accumulates numbered conditions.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	refs := make([]any, len(args))
	for i, a := range args {
		w.args = append(w.args, a)
		refs[i] = len(w.args)
	}
	w.conds = append(w.conds, fmt.Sprintf(cond, refs...))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (r *MessageRepo) Create(ctx context.Context, msg *domain.Message) error {
	recipients, err := repository.EncodeStrings(msg.Recipients)
	if err != nil {
		return err
	}
	metadata, err := repository.EncodeMap(msg.Metadata)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.ChannelID, string(msg.Type), msg.SenderID, recipients, msg.Content,
		metadata, string(msg.Status), msg.Timestamp, msg.ExpiresAt, msg.UpdatedAt,
	)
	return err
}

func (r *MessageRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	msg, err := scanMessage(r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

func (r *MessageRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.MessageStatus, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), at, id, string(from),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *MessageRepo) List(ctx context.Context, f domain.MessageFilter) ([]domain.Message, error) {
	var w where
	if f.ChannelID != nil {
		w.add("channel_id = $%d", *f.ChannelID)
	}
	if f.Participant != "" {
		w.add("(sender_id = $%d OR recipients @> jsonb_build_array($%d::text))", f.Participant, f.Participant)
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if f.Since != nil {
		w.add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		w.add("created_at <= $%d", *f.Until)
	}

	query := `SELECT ` + messageColumns + ` FROM messages` + w.sql() + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

func (r *MessageRepo) DeleteExpired(ctx context.Context, now time.Time, retention time.Duration) ([]uuid.UUID, error) {
	return r.deleteReturning(ctx, `
		DELETE FROM messages
		WHERE (expires_at IS NOT NULL AND expires_at < $1)
			OR (expires_at IS NULL AND created_at < $2)
		RETURNING id`,
		now, now.Add(-retention),
	)
}

func (r *MessageRepo) DeleteMany(ctx context.Context, f domain.HistoryFilter) ([]uuid.UUID, error) {
	var w where
	if f.ChannelID != nil {
		w.add("channel_id = $%d", *f.ChannelID)
	}
	if f.Before != nil {
		w.add("created_at < $%d", *f.Before)
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if len(w.conds) == 0 {
		return nil, errors.New("refusing to delete messages without a filter")
	}

	return r.deleteReturning(ctx, `DELETE FROM messages`+w.sql()+` RETURNING id`, w.args...)
}

func (r *MessageRepo) deleteReturning(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
