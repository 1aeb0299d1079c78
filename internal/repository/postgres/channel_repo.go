package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vedran77/relay/internal/domain"
	"github.com/vedran77/relay/internal/repository"
)

type ChannelRepo struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewChannelRepo(pool *pgxpool.Pool, logger zerolog.Logger) *ChannelRepo {
	return &ChannelRepo{pool: pool, logger: logger}
}

const channelColumns = `id, name, type, metadata, created_at`

func (r *ChannelRepo) scan(row pgx.Row) (*domain.Channel, error) {
	var (
		ch      domain.Channel
		raw     []byte
		created time.Time
	)
	if err := row.Scan(&ch.ID, &ch.Name, &ch.Type, &raw, &created); err != nil {
		return nil, err
	}
	ch.Metadata = repository.ChannelMetadataOrDefault(r.logger, ch.ID.String(), raw, created)
	return &ch, nil
}

func (r *ChannelRepo) FindAll(ctx context.Context) ([]domain.Channel, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY created_at`)
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
	ch, err := r.scan(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ch, err
}

func (r *ChannelRepo) FindByName(ctx context.Context, name string, chType domain.ChannelType) (*domain.Channel, error) {
	ch, err := r.scan(r.pool.QueryRow(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE name = $1 AND type = $2`, name, string(chType)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ch, err
}

// CreateOrGet relies on the (name, type) unique key so that concurrent
// creators, including other processes, converge on one row.
func (r *ChannelRepo) CreateOrGet(ctx context.Context, ch *domain.Channel) (*domain.Channel, bool, error) {
	meta, err := repository.EncodeChannelMetadata(ch.Metadata)
	if err != nil {
		return nil, false, err
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO channels (id, name, type, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name, type) DO NOTHING`,
		ch.ID, ch.Name, string(ch.Type), meta, ch.Metadata.Created, time.Now(),
	)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
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

	_, err = r.pool.Exec(ctx, `
		INSERT INTO channels (id, name, type, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		ch.ID, ch.Name, string(ch.Type), meta, ch.Metadata.Created, time.Now(),
	)
	return err
}

func (r *ChannelRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
