// Package pump pulls segments from a resolver, fetches and decodes them, and
// feeds the resulting frames into per-kind queues under buffer backpressure.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"playback-engine/internal/buffer"
	"playback-engine/internal/media"
	"playback-engine/internal/platform/telemetry"
	"playback-engine/internal/resolver"
)

const (
	// DefaultFetchAttempts is the number of tries per segment before it is skipped.
	DefaultFetchAttempts = 3

	// DefaultFetchBackoff is the delay before the first retry. It doubles up to MaxFetchBackoff.
	DefaultFetchBackoff = 200 * time.Millisecond

	// MaxFetchBackoff caps the retry delay.
	MaxFetchBackoff = 2 * time.Second
)

// Hooks receive informational pump events. Any of them may be nil.
type Hooks struct {
	OnSegmentLoaded func(seg media.Segment, frames int, bytes int)
	OnRetry         func(seg media.Segment, attempt int, err error)
	OnSkip          func(seg media.Segment, err error)
	OnDiscontinuity func(seg media.Segment, epoch uint32)
	OnFrameDropped  func(f media.Frame)
}

// Config wires the pump to its collaborators.
type Config struct {
	Fetcher Fetcher
	Decoder Decoder
	Buffer  *buffer.Controller
	Audio   *buffer.Queue
	Video   *buffer.Queue

	FetchAttempts int
	FetchBackoff  time.Duration

	Logger *slog.Logger
	Hooks  Hooks
}

type ptsMark struct {
	epoch uint32
	pts   time.Duration
	set   bool
}

// Pump is a long-lived ingestion worker. Run must be called at most once.
type Pump struct {
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer

	epoch      uint32
	ingested   bool
	forceBreak bool
	last       [2]ptsMark
}

// New validates cfg and returns a pump.
func New(cfg Config) (*Pump, error) {
	if cfg.Fetcher == nil || cfg.Decoder == nil {
		return nil, errors.New("pump requires a fetcher and a decoder")
	}
	if cfg.Buffer == nil || cfg.Audio == nil || cfg.Video == nil {
		return nil, errors.New("pump requires a buffer and both frame queues")
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = DefaultFetchAttempts
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = DefaultFetchBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Pump{
		cfg:    cfg,
		log:    log,
		tracer: telemetry.Tracer(),
	}, nil
}

// Run ingests seq until it ends, ctx is cancelled or a fatal error occurs.
// At end of stream the buffer is finished and both queues are closed.
func (p *Pump) Run(ctx context.Context, seq resolver.Sequence) error {
	for {
		seg, err := seq.Next(ctx)
		if errors.Is(err, io.EOF) {
			p.cfg.Buffer.Finish()
			p.cfg.Audio.Close()
			p.cfg.Video.Close()
			p.log.Info("end of stream", slog.Int("epoch", int(p.epoch)))
			return nil
		}
		if err != nil {
			return err
		}

		if err := p.cfg.Buffer.WaitResume(ctx); err != nil {
			return err
		}

		data, err := p.fetch(ctx, seg)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if !p.ingested {
				return media.FetchError(seg.Sequence, err)
			}
			p.log.Warn("skipping segment",
				slog.Uint64("sequence", seg.Sequence),
				slog.String("uri", seg.URI),
				slog.String("error", err.Error()),
			)
			if p.cfg.Hooks.OnSkip != nil {
				p.cfg.Hooks.OnSkip(seg, media.FetchError(seg.Sequence, err))
			}
			p.forceBreak = true
			continue
		}

		if err := p.ingest(ctx, seg, data); err != nil {
			return err
		}
	}
}

func (p *Pump) fetch(ctx context.Context, seg media.Segment) ([]byte, error) {
	ctx, span := p.tracer.Start(ctx, "pump.fetch_segment", trace.WithAttributes(
		attribute.Int64("segment.sequence", int64(seg.Sequence)),
		attribute.String("segment.uri", seg.URI),
	))
	defer span.End()

	backoff := p.cfg.FetchBackoff
	var lastErr error
	for attempt := 1; attempt <= p.cfg.FetchAttempts; attempt++ {
		data, err := p.cfg.Fetcher.Fetch(ctx, seg)
		if err == nil {
			span.SetAttributes(attribute.Int("segment.bytes", len(data)), attribute.Int("segment.attempts", attempt))
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt == p.cfg.FetchAttempts {
			break
		}

		p.log.Debug("segment fetch failed, retrying",
			slog.Uint64("sequence", seg.Sequence),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		if p.cfg.Hooks.OnRetry != nil {
			p.cfg.Hooks.OnRetry(seg, attempt, err)
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			span.SetStatus(codes.Error, "cancelled")
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, MaxFetchBackoff)
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

func (p *Pump) ingest(ctx context.Context, seg media.Segment, data []byte) error {
	if p.forceBreak {
		seg.Discontinuity = true
		p.forceBreak = false
	}
	if (seg.Discontinuity || seg.Gap) && p.ingested {
		p.epoch++
		p.log.Info("discontinuity",
			slog.Uint64("sequence", seg.Sequence),
			slog.Int("epoch", int(p.epoch)),
			slog.Bool("gap", seg.Gap),
		)
		if p.cfg.Hooks.OnDiscontinuity != nil {
			p.cfg.Hooks.OnDiscontinuity(seg, p.epoch)
		}
	}

	frames, err := p.cfg.Decoder.Decode(ctx, seg, data)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return media.DecodeError(seg.Sequence, err)
	}

	// duration is charged on audio when the segment has any, else on video
	chargeKind := media.Video
	for _, f := range frames {
		if f.Kind == media.Audio {
			chargeKind = media.Audio
			break
		}
	}

	pushed := 0
	for _, f := range frames {
		f.Epoch = p.epoch
		f.Segment = seg.Sequence

		q := p.queue(f.Kind)
		if q == nil {
			continue
		}
		mark := &p.last[f.Kind]
		if mark.set && mark.epoch == f.Epoch && f.PTS < mark.pts {
			p.log.Debug("dropping frame with regressing timestamp",
				slog.String("kind", f.Kind.String()),
				slog.Duration("pts", f.PTS),
				slog.Duration("last_pts", mark.pts),
			)
			if p.cfg.Hooks.OnFrameDropped != nil {
				p.cfg.Hooks.OnFrameDropped(f)
			}
			continue
		}

		var charge time.Duration
		if f.Kind == chargeKind {
			charge = f.Duration
		}
		if err := q.Push(ctx, f, charge); err != nil {
			if errors.Is(err, buffer.ErrExceedsCapacity) {
				return fmt.Errorf("segment %d: %w", seg.Sequence, err)
			}
			return err
		}
		*mark = ptsMark{epoch: f.Epoch, pts: f.PTS, set: true}
		pushed++
	}

	p.ingested = true
	p.log.Debug("segment loaded",
		slog.Uint64("sequence", seg.Sequence),
		slog.Int("frames", pushed),
		slog.Int("bytes", len(data)),
	)
	if p.cfg.Hooks.OnSegmentLoaded != nil {
		p.cfg.Hooks.OnSegmentLoaded(seg, pushed, len(data))
	}
	return nil
}

func (p *Pump) queue(kind media.StreamKind) *buffer.Queue {
	switch kind {
	case media.Audio:
		return p.cfg.Audio
	case media.Video:
		return p.cfg.Video
	default:
		return nil
	}
}
