package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, channel_id, type, sender_id, recipients, content, metadata, status, created_at, expires_at, updated_at`

func scanMessage(row scanner) (*domain.Message, error) {
	var (
		msg        domain.Message
		channelID  uuid.NullUUID
		recipients string
		metadata   string
		created    int64
		expires    sql.NullInt64
		updated    int64
	)
	if err := row.Scan(&msg.ID, &channelID, &msg.Type, &msg.SenderID, &recipients, &msg.Content,
		&metadata, &msg.Status, &created, &expires, &updated); err != nil {
		return nil, err
	}

	var err error
	if msg.Recipients, err = repository.DecodeStrings([]byte(recipients)); err != nil {
		return nil, err
	}
	if msg.Metadata, err = repository.DecodeMap([]byte(metadata)); err != nil {
		return nil, err
	}
	if channelID.Valid {
		id := channelID.UUID
		msg.ChannelID = &id
	}
	msg.Timestamp = fromNanos(created)
	msg.ExpiresAt = fromNullNanos(expires)
	msg.UpdatedAt = fromNanos(updated)
	return &msg, nil
}

func nullChannel(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
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

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, nullChannel(msg.ChannelID), msg.Type, msg.SenderID, recipients, msg.Content,
		metadata, msg.Status, toNanos(msg.Timestamp), nullNanos(msg.ExpiresAt), toNanos(msg.UpdatedAt),
	)
	return err
}

func (r *MessageRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

func (r *MessageRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.MessageStatus, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, toNanos(at), id, from,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *MessageRepo) List(ctx context.Context, f domain.MessageFilter) ([]domain.Message, error) {
	var (
		conds []string
		args  []any
	)
	if f.ChannelID != nil {
		conds = append(conds, "channel_id = ?")
		args = append(args, *f.ChannelID)
	}
	if f.Participant != "" {
		conds = append(conds, "(sender_id = ? OR EXISTS (SELECT 1 FROM json_each(messages.recipients) WHERE json_each.value = ?))")
		args = append(args, f.Participant, f.Participant)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, toNanos(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, toNanos(*f.Until))
	}

	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
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
		WHERE (expires_at IS NOT NULL AND expires_at < ?)
			OR (expires_at IS NULL AND created_at < ?)
		RETURNING id`,
		toNanos(now), toNanos(now.Add(-retention)),
	)
}

func (r *MessageRepo) DeleteMany(ctx context.Context, f domain.HistoryFilter) ([]uuid.UUID, error) {
	var (
		conds []string
		args  []any
	)
	if f.ChannelID != nil {
		conds = append(conds, "channel_id = ?")
		args = append(args, *f.ChannelID)
	}
	if f.Before != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, toNanos(*f.Before))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if len(conds) == 0 {
		return nil, errors.New("refusing to delete messages without a filter")
	}

	return r.deleteReturning(ctx, `DELETE FROM messages WHERE `+strings.Join(conds, " AND ")+` RETURNING id`, args...)
}

func (r *MessageRepo) deleteReturning(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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
