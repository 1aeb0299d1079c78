package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vedran77/relay/internal/cache"
	"github.com/vedran77/relay/internal/config"
	"github.com/vedran77/relay/internal/database"
	"github.com/vedran77/relay/internal/events"
	"github.com/vedran77/relay/internal/repository"
	postgresrepo "github.com/vedran77/relay/internal/repository/postgres"
	sqliterepo "github.com/vedran77/relay/internal/repository/sqlite"
	"github.com/vedran77/relay/internal/service"
)

// App holds the wired core shared by every command.
type App struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Bus        *events.Bus
	Cache      cache.Cache
	Directory  *service.ChannelDirectory
	Dispatcher *service.MessageDispatcher

	closers []func()
}

type repos struct {
	channels      repository.ChannelRepository
	messages      repository.MessageRepository
	subscriptions repository.SubscriptionRepository
}

// New connects the store and cache, builds the directory and dispatcher and
// loads the channel index. Close releases everything New opened.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	r, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	c, err := a.openCache()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Cache = c

	a.Bus = events.NewBus(logger)
	a.Directory = service.NewChannelDirectory(r.channels, a.Bus, logger)
	a.Dispatcher = service.NewMessageDispatcher(r.messages, r.subscriptions, a.Directory, c, a.Bus, Limits(cfg.Messaging), logger)

	if err := a.Directory.Initialize(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("loading channels: %w", err)
	}
	return a, nil
}

func Limits(m config.Messaging) service.Limits {
	return service.Limits{
		Retention:            m.Retention,
		MaxRecipients:        m.MaxRecipients,
		MaxMessageLength:     m.MaxMessageLength,
		NotificationQueueLen: m.NotificationQueueLen,
	}
}

func (a *App) openStore(ctx context.Context) (repos, error) {
	switch a.Config.StoreDriver {
	case config.StoreSQLite:
		db, err := database.OpenSQLite(ctx, a.Config.SQLitePath)
		if err != nil {
			return repos{}, err
		}
		a.closers = append(a.closers, func() { db.Close() })
		a.Logger.Info().Str("path", a.Config.SQLitePath).Msg("connected to sqlite")
		return repos{
			channels:      sqliterepo.NewChannelRepo(db, a.Logger),
			messages:      sqliterepo.NewMessageRepo(db),
			subscriptions: sqliterepo.NewSubscriptionRepo(db),
		}, nil

	default:
		pool, err := database.Connect(ctx, a.Config.PostgresDSN())
		if err != nil {
			return repos{}, err
		}
		a.closers = append(a.closers, pool.Close)
		if err := database.MigratePostgres(ctx, pool); err != nil {
			return repos{}, err
		}
		a.Logger.Info().Str("host", a.Config.DBHost).Str("db", a.Config.DBName).Msg("connected to postgres")
		return repos{
			channels:      postgresrepo.NewChannelRepo(pool, a.Logger),
			messages:      postgresrepo.NewMessageRepo(pool),
			subscriptions: postgresrepo.NewSubscriptionRepo(pool),
		}, nil
	}
}

func (a *App) openCache() (cache.Cache, error) {
	if a.Config.CacheDriver == config.CacheMemory {
		return cache.NewMemory(), nil
	}
	c, err := cache.NewRedis(a.Config.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { c.Close() })
	a.Logger.Info().Msg("connected to redis")
	return c, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
