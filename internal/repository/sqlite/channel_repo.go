package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
)

type ChannelRepo struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewChannelRepo(db *sql.DB, logger zerolog.Logger) *ChannelRepo {
	return &ChannelRepo{db: db, logger: logger}
}

const channelColumns = `id, name, type, metadata, created_at`

func (r *ChannelRepo) scan(row scanner) (*domain.Channel, error) {
	var (
		ch      domain.Channel
		raw     string
		created int64
	)
	if err := row.Scan(&ch.ID, &ch.Name, &ch.Type, &raw, &created); err != nil {
		return nil, err
	}
	ch.Metadata = repository.ChannelMetadataOrDefault(r.logger, ch.ID.String(), []byte(raw), fromNanos(created))
	return &ch, nil
}

func (r *ChannelRepo) FindAll(ctx context.Context) ([]domain.Channel, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		ch, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

func (r *ChannelRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Channel, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	ch, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ch, err
}

func (r *ChannelRepo) FindByName(ctx context.Context, name string, chType domain.ChannelType) (*domain.Channel, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE name = ? AND type = ?`, name, chType)
	ch, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ch, err
}

func (r *ChannelRepo) CreateOrGet(ctx context.Context, ch *domain.Channel) (*domain.Channel, bool, error) {
	meta, err := repository.EncodeChannelMetadata(ch.Metadata)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, type, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, type) DO NOTHING`,
		ch.ID, ch.Name, ch.Type, meta, toNanos(ch.Metadata.Created), toNanos(now),
	)
	if err != nil {
		return nil, false, err
	}

	if n, _ := res.RowsAffected(); n == 1 {
		return ch, true, nil
	}

	existing, err := r.FindByName(ctx, ch.Name, ch.Type)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errors.New("channel vanished after name conflict")
	}
	return existing, false, nil
}

func (r *ChannelRepo) Upsert(ctx context.Context, ch *domain.Channel) error {
	meta, err := repository.EncodeChannelMetadata(ch.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, type, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		ch.ID, ch.Name, ch.Type, meta, toNanos(ch.Metadata.Created), toNanos(time.Now()),
	)
	return err
}

func (r *ChannelRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}
