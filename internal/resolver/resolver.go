// Package resolver maps a source locator to an ordered, lazily produced
// sequence of segment descriptors.
package resolver

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"playback-engine/internal/media"
)

// Resolver turns a locator into a segment sequence.
type Resolver interface {
	Resolve(ctx context.Context, loc media.Locator) (Sequence, error)
}

// Sequence yields segment descriptors in order. Next returns io.EOF once the
// stream has ended. A sequence is not rewindable.
type Sequence interface {
	Next(ctx context.Context) (media.Segment, error)
	Close() error
}

// Func adapts a plain function to the Resolver interface.
type Func func(ctx context.Context, loc media.Locator) (Sequence, error)

func (f Func) Resolve(ctx context.Context, loc media.Locator) (Sequence, error) {
	return f(ctx, loc)
}

// Default picks the manifest resolver for HLS locators and the single-segment
// resolver for everything else.
type Default struct {
	HTTPClient     *http.Client
	ReloadAttempts int
	Logger         *slog.Logger
}

func (d Default) Resolve(ctx context.Context, loc media.Locator) (Sequence, error) {
	if loc.IsManifest() {
		return NewHLS(d.HTTPClient, d.ReloadAttempts, d.Logger).Resolve(ctx, loc)
	}
	return Single{}.Resolve(ctx, loc)
}

// Single yields exactly one descriptor covering the whole locator.
type Single struct{}

func (Single) Resolve(_ context.Context, loc media.Locator) (Sequence, error) {
	if loc.IsZero() {
		return nil, media.ResolutionError(errEmptyLocator)
	}
	return &singleSequence{seg: media.Segment{Sequence: 0, URI: loc.URI()}}, nil
}

type singleSequence struct {
	seg  media.Segment
	done bool
}

func (s *singleSequence) Next(ctx context.Context) (media.Segment, error) {
	if err := ctx.Err(); err != nil {
		return media.Segment{}, err
	}
	if s.done {
		return media.Segment{}, io.EOF
	}
	s.done = true
	return s.seg, nil
}

func (s *singleSequence) Close() error { return nil }

// Slice yields a fixed list of descriptors. It backs tests and manifests that
// were resolved out of band.
type Slice []media.Segment

func (s Slice) Resolve(_ context.Context, _ media.Locator) (Sequence, error) {
	cp := make([]media.Segment, len(s))
	copy(cp, s)
	return &sliceSequence{segs: cp}, nil
}

type sliceSequence struct {
	segs []media.Segment
	pos  int
}

func (s *sliceSequence) Next(ctx context.Context) (media.Segment, error) {
	if err := ctx.Err(); err != nil {
		return media.Segment{}, err
	}
	if s.pos >= len(s.segs) {
		return media.Segment{}, io.EOF
	}
	seg := s.segs[s.pos]
	s.pos++
	return seg, nil
}

func (s *sliceSequence) Close() error { return nil }
