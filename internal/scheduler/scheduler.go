package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vedran77/relay/internal/logging"
	"github.com/vedran77/relay/internal/service"
)

const sweepTimeout = 5 * time.Minute

// Sweeper deletes expired messages.
type Sweeper interface {
	CleanupExpiredMessages(ctx context.Context) (int, error)
}

// Scheduler runs the expiry sweep on a fixed interval.
type Scheduler struct {
	cron    *cron.Cron
	job     cron.Job
	sweeper Sweeper
	timeout time.Duration
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New schedules the sweep every interval. A run still in progress when the
// next one is due causes that one to be skipped.
func New(sweeper Sweeper, interval time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", interval)
	}

	logger = logging.Component(logger, "scheduler")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron:    cron.New(cron.WithLogger(cl)),
		sweeper: sweeper,
		timeout: sweepTimeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.job = cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(s.sweep))

	s.cron.Schedule(cron.Every(interval), s.job)
	return s, nil
}

// Start runs one sweep right away and then starts the schedule.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.job.Run()
	}()
	s.cron.Start()
	s.logger.Info().Msg("expiry sweep scheduled")
}

// Stop cancels a running sweep and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	n, err := s.sweeper.CleanupExpiredMessages(ctx)
	switch {
	case errors.Is(err, service.ErrSweepRunning):
		s.logger.Debug().Msg("sweep already running, skipped")
	case err != nil:
		s.logger.Error().Err(err).Msg("scheduled sweep failed")
	default:
		s.logger.Debug().Int("deleted", n).Msg("scheduled sweep done")
	}
}

// cronLogger sends cron's own logging to zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
