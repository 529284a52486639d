package player

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"playback-engine/internal/media"
	"playback-engine/internal/platform/metrics"
	"playback-engine/internal/pump"
	"playback-engine/internal/resolver"
)

const (
	// DefaultMaxBufferSize is the on-demand buffer capacity.
	DefaultMaxBufferSize int64 = 15 * 1024 * 1024

	// LiveMaxBufferSize is the recommended capacity for low-latency live playback.
	LiveMaxBufferSize int64 = 2 * 1024 * 1024 / 10

	defaultFetchTimeout = 30 * time.Second
)

// Config is the single construction parameter of a Player. Only Locator is
// required.
type Config struct {
	Locator media.Locator

	// MaxBufferSize is the byte capacity. Zero selects DefaultMaxBufferSize.
	MaxBufferSize int64

	Options *Options

	// SegmentResolver overrides the default single-segment/HLS resolver.
	SegmentResolver resolver.Resolver
}

// Options is the full tuning bundle. Zero values take documented defaults.
type Options struct {
	// LowWater and HighWater default to capacity/10 and capacity/2.
	LowWater  int64
	HighWater int64

	// MaxBufferDuration pauses ingestion by media duration. Zero disables it.
	MaxBufferDuration time.Duration

	// FetchAttempts and FetchBackoff default to pump.DefaultFetchAttempts and
	// pump.DefaultFetchBackoff.
	FetchAttempts int
	FetchBackoff  time.Duration

	// SyncTolerance defaults to avsync.DefaultTolerance.
	SyncTolerance time.Duration

	// ReloadAttempts bounds consecutive manifest reload failures for live sources.
	ReloadAttempts int

	HTTPClient *http.Client
	Fetcher    pump.Fetcher
	Decoder    pump.Decoder

	VideoSink Sink
	AudioSink Sink

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Sink presents frames to an output device.
type Sink interface {
	Present(ctx context.Context, f media.Frame) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, f media.Frame) error

func (f SinkFunc) Present(ctx context.Context, fr media.Frame) error {
	return f(ctx, fr)
}

// LogSink logs every presented frame at debug level. It is the default sink.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Present(_ context.Context, f media.Frame) error {
	s.Logger.Debug("frame presented",
		slog.String("kind", f.Kind.String()),
		slog.Duration("pts", f.PTS),
		slog.Int("bytes", len(f.Payload)),
		slog.Int("epoch", int(f.Epoch)),
		slog.Bool("duplicate", f.Duplicate),
	)
	return nil
}
