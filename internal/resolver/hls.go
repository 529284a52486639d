package resolver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/grafov/m3u8"
	"golang.org/x/time/rate"

	"playback-engine/internal/media"
	"playback-engine/internal/platform/telemetry"
)

const (
	// LiveStartingPoint is how many segments from the live edge playback begins.
	LiveStartingPoint = 3

	// DefaultReloadAttempts bounds consecutive manifest reload failures.
	DefaultReloadAttempts = 3

	defaultManifestTimeout = 10 * time.Second
	minReloadInterval      = 100 * time.Millisecond
)

// HLS resolves M3U8 manifests. Master playlists select the variant with the
// highest bandwidth. Live playlists are reloaded as the window slides.
type HLS struct {
	client         *http.Client
	reloadAttempts int
	log            *slog.Logger
}

// NewHLS returns an HLS resolver. A nil client uses an instrumented default.
func NewHLS(client *http.Client, reloadAttempts int, log *slog.Logger) *HLS {
	if client == nil {
		client = telemetry.HTTPClient(defaultManifestTimeout)
	}
	if reloadAttempts <= 0 {
		reloadAttempts = DefaultReloadAttempts
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &HLS{client: client, reloadAttempts: reloadAttempts, log: log}
}

func (h *HLS) Resolve(ctx context.Context, loc media.Locator) (Sequence, error) {
	u, err := url.Parse(loc.URI())
	if err != nil {
		return nil, media.ResolutionError(err)
	}

	pl, err := h.load(ctx, u)
	if err != nil {
		return nil, media.ResolutionError(err)
	}

	if master, ok := pl.(*m3u8.MasterPlaylist); ok {
		var chosen *m3u8.Variant
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			if chosen == nil || v.VariantParams.Bandwidth > chosen.VariantParams.Bandwidth {
				chosen = v
			}
		}
		if chosen == nil {
			return nil, media.ResolutionError(errors.New("master playlist has no variants"))
		}
		u, err = absoluteURL(u, chosen.URI)
		if err != nil {
			return nil, media.ResolutionError(err)
		}
		h.log.Debug("selected variant",
			slog.String("uri", u.String()),
			slog.Int("bandwidth", int(chosen.VariantParams.Bandwidth)),
		)
		pl, err = h.load(ctx, u)
		if err != nil {
			return nil, media.ResolutionError(err)
		}
	}

	mpl, ok := pl.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, media.ResolutionError(errors.New("invalid playlist"))
	}

	seq := &hlsSequence{h: h, url: u}
	seq.start(mpl)
	return seq, nil
}

func (h *HLS) load(ctx context.Context, u *url.URL) (m3u8.Playlist, error) {
	var body io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		res, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		if res.StatusCode != http.StatusOK {
			res.Body.Close()
			return nil, fmt.Errorf("manifest %s: bad status code: %d", u, res.StatusCode)
		}
		body = res.Body
	case "", "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, err
		}
		body = f
	default:
		return nil, fmt.Errorf("unsupported manifest scheme %q", u.Scheme)
	}
	defer body.Close()

	pl, _, err := m3u8.DecodeFrom(bufio.NewReader(body), true)
	if err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", u, err)
	}
	return pl, nil
}

type hlsSequence struct {
	h        *HLS
	url      *url.URL
	limiter  *rate.Limiter
	pending  []media.Segment
	next     uint64
	closed   bool
	failures int
}

// start positions the sequence on the first manifest: live streams begin
// LiveStartingPoint segments from the edge, closed playlists at the first segment.
func (s *hlsSequence) start(pl *m3u8.MediaPlaylist) {
	segs := pl.Segments[:segmentsLen(pl.Segments)]
	first := 0
	if !pl.Closed && len(segs) > LiveStartingPoint {
		first = len(segs) - LiveStartingPoint
	}
	s.next = pl.SeqNo + uint64(first)
	s.limiter = rate.NewLimiter(rate.Every(reloadInterval(pl)), 1)
	s.limiter.Allow()
	s.absorb(pl)
}

func (s *hlsSequence) Next(ctx context.Context) (media.Segment, error) {
	for {
		if len(s.pending) > 0 {
			seg := s.pending[0]
			s.pending = s.pending[1:]
			return seg, nil
		}
		if s.closed {
			return media.Segment{}, io.EOF
		}

		if err := s.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return media.Segment{}, ctxErr
			}
			return media.Segment{}, err
		}

		pl, err := s.h.load(ctx, s.url)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return media.Segment{}, ctxErr
			}
			s.failures++
			s.h.log.Warn("manifest reload failed",
				slog.String("uri", s.url.String()),
				slog.Int("attempt", s.failures),
				slog.String("error", err.Error()),
			)
			if s.failures >= s.h.reloadAttempts {
				return media.Segment{}, media.ResolutionError(err)
			}
			continue
		}
		mpl, ok := pl.(*m3u8.MediaPlaylist)
		if !ok {
			return media.Segment{}, media.ResolutionError(errors.New("media playlist turned into a master playlist"))
		}
		s.failures = 0
		s.limiter.SetLimit(rate.Every(reloadInterval(mpl)))
		s.absorb(mpl)
	}
}

// absorb queues every segment at or after the next expected index. When the
// window has slid past it, playback jumps to the oldest available segment.
func (s *hlsSequence) absorb(pl *m3u8.MediaPlaylist) {
	segs := pl.Segments[:segmentsLen(pl.Segments)]
	if len(segs) > 0 && pl.SeqNo > s.next {
		s.h.log.Warn("live window slid past playback position",
			slog.Uint64("expected", s.next),
			slog.Uint64("oldest", pl.SeqNo),
		)
		s.next = pl.SeqNo
	}
	for i, seg := range segs {
		id := pl.SeqNo + uint64(i)
		if id < s.next {
			continue
		}
		u, err := absoluteURL(s.url, seg.URI)
		if err != nil {
			s.h.log.Warn("skipping segment with invalid uri",
				slog.Uint64("sequence", id),
				slog.String("uri", seg.URI),
			)
			continue
		}
		s.pending = append(s.pending, media.Segment{
			Sequence:      id,
			URI:           u.String(),
			Duration:      time.Duration(seg.Duration * float64(time.Second)),
			ByteOffset:    seg.Offset,
			ByteLength:    seg.Limit,
			Discontinuity: seg.Discontinuity,
		})
		s.next = id + 1
	}
	s.closed = pl.Closed
}

func (s *hlsSequence) Close() error { return nil }

func segmentsLen(segments []*m3u8.MediaSegment) int {
	for i, seg := range segments {
		if seg == nil {
			return i
		}
	}
	return len(segments)
}

func reloadInterval(pl *m3u8.MediaPlaylist) time.Duration {
	d := time.Duration(pl.TargetDuration * float64(time.Second) / 2)
	if d < minReloadInterval {
		return minReloadInterval
	}
	return d
}

func absoluteURL(base *url.URL, relative string) (*url.URL, error) {
	u, err := url.Parse(relative)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(u), nil
}
