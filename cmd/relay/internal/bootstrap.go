package internal

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vedran77/relay/internal/app"
	"github.com/vedran77/relay/internal/config"
	"github.com/vedran77/relay/internal/logging"
)

// Bootstrap loads configuration from the environment and wires the core.
func Bootstrap(ctx context.Context) (*app.App, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return nil, logger, err
	}
	return a, logger, nil
}
