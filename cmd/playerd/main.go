// Command playerd runs the playback engine, either as a control API server
// or as a headless player for a single locator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"playback-engine/internal/platform/config"
	"playback-engine/internal/platform/metrics"
	"playback-engine/internal/platform/telemetry"
	"playback-engine/internal/player"
)

const serviceName = "playerd"

func main() {
	_ = config.Load()

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "otel init failed: %v\n", err)
	}

	err = newRootCmd().ExecuteContext(context.Background())

	if shutdownTracer != nil {
		_ = shutdownTracer(context.Background())
	}
	if err != nil {
		os.Exit(1)
	}
}

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          serviceName,
		Short:        "Media playback orchestration engine",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", config.GetEnv("LOG_FORMAT", "json"), "Log format: json or text")

	cmd.AddCommand(newServeCmd(opts), newPlayCmd(opts))
	return cmd
}

// playerOptions reads the engine tuning knobs from the environment. Zero
// values select the engine defaults.
func playerOptions(log *slog.Logger, m *metrics.Metrics) player.Options {
	return player.Options{
		FetchAttempts: config.GetEnvInt("PLAYER_FETCH_ATTEMPTS", 0),
		FetchBackoff:  config.GetEnvDuration("PLAYER_FETCH_BACKOFF", 0),
		SyncTolerance: config.GetEnvDuration("PLAYER_SYNC_TOLERANCE", 0),
		HTTPClient:    telemetry.HTTPClient(config.GetEnvDuration("FETCH_TIMEOUT", 30*time.Second)),
		Logger:        log,
		Metrics:       m,
	}
}
