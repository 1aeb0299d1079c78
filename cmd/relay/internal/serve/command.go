package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vedran77/relay/cmd/relay/internal"
	"github.com/vedran77/relay/internal/app"
	"github.com/vedran77/relay/internal/scheduler"
	"github.com/vedran77/relay/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func NewServeCommand() *cobra.Command {
	var noSweep bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway and the expiry sweep",
		Args:  cobra.NoArgs,
		Example: `  relay serve
  STORE_DRIVER=sqlite CACHE_DRIVER=memory relay serve
  relay serve --no-sweep`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, noSweep)
		},
	}

	cmd.Flags().BoolVar(&noSweep, "no-sweep", false,
		"Do not run the scheduled expiry sweep in this process")

	return cmd
}

func run(ctx context.Context, noSweep bool) error {
	a, logger, err := internal.Bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	hub := ws.NewHub(logger)
	go hub.Run(hubCtx)
	defer ws.NewNotifier(hub, logger).Attach(a.Bus)()

	if !noSweep {
		sched, err := scheduler.New(a.Dispatcher, a.Config.Messaging.SweepInterval(), logger)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", a.Config.ServerPort),
		Handler:           routes(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	cancelHub()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func routes(a *app.App, hub *ws.Hub) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := a.Cache.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status": "degraded"}`))
			return
		}
		w.Write([]byte(`{"status": "ok"}`))
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws", ws.ServeWS(hub, a.Dispatcher, a.Config.JWTSecret, a.Logger))

	return mux
}
