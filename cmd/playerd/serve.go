package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"playback-engine/internal/control"
	"playback-engine/internal/platform/config"
	"playback-engine/internal/platform/logger"
	"playback-engine/internal/platform/metrics"
	"playback-engine/internal/player"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the player control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, port)
		},
	}
	cmd.Flags().StringVar(&port, "port", config.GetEnv("PORT", "8080"), "HTTP listen port")
	return cmd
}

// newRouter wires the control API and /metrics behind the request middleware.
func newRouter(h *control.Handler, svc *control.Service, log *slog.Logger, met *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Method(http.MethodGet, "/metrics", met.Handler(func() { met.SetActivePlayers(svc.ActivePlayers()) }))
	h.Mount(r)

	return otelhttp.NewHandler(r, serviceName,
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && !strings.HasSuffix(r.URL.Path, "/events")
		}),
	)
}

func runServe(ctx context.Context, opts *rootOptions, port string) error {
	log := logger.New(opts.logLevel, opts.logFormat)
	met := metrics.New()

	cfg := control.ServiceConfig{
		HistorySize:    config.GetEnvInt("PLAYER_HISTORY_SIZE", control.DefaultHistorySize),
		MaxBufferSize:  config.GetEnvInt64("PLAYER_MAX_BUFFER_SIZE", player.DefaultMaxBufferSize),
		LiveBufferSize: config.GetEnvInt64("PLAYER_LIVE_BUFFER_SIZE", player.LiveMaxBufferSize),
		PlayerOptions:  playerOptions(log, met),
	}
	svc := control.NewService(control.NewInMemoryRepository(), cfg)
	h := control.NewHandler(svc, log, met)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: newRouter(h, svc, log, met)}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("server starting",
		slog.String("port", port),
		slog.Int("history_size", cfg.HistorySize),
		slog.Int64("max_buffer_size", cfg.MaxBufferSize),
		slog.Int64("live_buffer_size", cfg.LiveBufferSize),
		slog.String("log_level", opts.logLevel),
	)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		log.Info("shutdown signal received, draining connections")
	case err := <-errCh:
		log.Error("server error", slog.String("error", err.Error()))
		svc.Shutdown()
		return err
	}

	// Stopping the players first ends the websocket event streams, which
	// http.Server.Shutdown does not track.
	svc.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
		return err
	}

	log.Info("server stopped")
	return nil
}
