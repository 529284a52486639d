// Package player implements the playback session state machine. A Player owns
// the buffer, the frame queues, the ingestion pump and the sync coordinator of
// exactly one session and drives them from its lifecycle commands.
package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"playback-engine/internal/avsync"
	"playback-engine/internal/buffer"
	"playback-engine/internal/media"
	"playback-engine/internal/platform/metrics"
	"playback-engine/internal/platform/telemetry"
	"playback-engine/internal/pump"
	"playback-engine/internal/resolver"
)

// Player is safe for concurrent use. Commands are synchronous state requests
// whose effects happen on the session workers.
type Player struct {
	locator  media.Locator
	resolver resolver.Resolver
	log      *slog.Logger
	metrics  *metrics.Metrics

	buf   *buffer.Controller
	audio *buffer.Queue
	video *buffer.Queue
	coord *avsync.Coordinator
	pump  *pump.Pump
	sinks [2]Sink

	mu            sync.Mutex
	state         State
	err           error
	autoplay      bool
	stalled       bool
	ended         [2]bool
	cancel        context.CancelFunc
	events        chan Event
	eventsClosed  bool
	droppedEvents int
	rebases       int
	corrections   int

	stopOnce sync.Once
	done     chan struct{}
}

// Snapshot is a point-in-time view of a player.
type Snapshot struct {
	State         State
	Err           error
	Buffer        buffer.Snapshot
	Position      time.Duration
	Epoch         uint32
	Stalled       bool
	Rebases       int
	Corrections   int
	DroppedEvents int
}

// New builds an idle player for cfg.
func New(cfg Config) (*Player, error) {
	if cfg.Locator.IsZero() {
		return nil, errors.New("player requires a locator")
	}
	var opts Options
	if cfg.Options != nil {
		opts = *cfg.Options
	}
	capacity := cfg.MaxBufferSize
	if capacity == 0 {
		capacity = DefaultMaxBufferSize
	}

	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With(slog.String("locator", cfg.Locator.String()))

	buf, err := buffer.New(buffer.Config{
		Capacity:    capacity,
		LowWater:    opts.LowWater,
		HighWater:   opts.HighWater,
		MaxDuration: opts.MaxBufferDuration,
	})
	if err != nil {
		return nil, err
	}

	client := opts.HTTPClient
	if client == nil {
		client = telemetry.HTTPClient(defaultFetchTimeout)
	}
	res := cfg.SegmentResolver
	if res == nil {
		res = resolver.Default{HTTPClient: client, ReloadAttempts: opts.ReloadAttempts, Logger: log}
	}
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = pump.NewFetcher(client)
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = pump.NewTSDecoder()
	}

	p := &Player{
		locator:  cfg.Locator,
		resolver: res,
		log:      log,
		metrics:  opts.Metrics,
		buf:      buf,
		audio:    buffer.NewQueue(media.Audio, buf),
		video:    buffer.NewQueue(media.Video, buf),
		events:   make(chan Event, eventBufferSize),
		done:     make(chan struct{}),
	}
	p.sinks[media.Audio] = opts.AudioSink
	p.sinks[media.Video] = opts.VideoSink
	for i, s := range p.sinks {
		if s == nil {
			p.sinks[i] = LogSink{Logger: log}
		}
	}

	p.coord, err = avsync.New(avsync.Config{
		Audio:     p.audio,
		Video:     p.video,
		Tolerance: opts.SyncTolerance,
		OnDrift:   p.onDrift,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	p.pump, err = pump.New(pump.Config{
		Fetcher:       fetcher,
		Decoder:       decoder,
		Buffer:        buf,
		Audio:         p.audio,
		Video:         p.video,
		FetchAttempts: opts.FetchAttempts,
		FetchBackoff:  opts.FetchBackoff,
		Logger:        log,
		Hooks: pump.Hooks{
			OnSegmentLoaded: p.onSegmentLoaded,
			OnRetry:         p.onRetry,
			OnSkip:          p.onSkip,
			OnDiscontinuity: p.onDiscontinuity,
			OnFrameDropped:  p.onFrameDropped,
		},
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Locator returns the source the player is bound to.
func (p *Player) Locator() media.Locator { return p.locator }

// Events returns the notification channel. It is closed once the session
// resources are released. Delivery is best effort: a slow consumer loses
// segment events first and, once the channel is full, any event. State, Err
// and Done are authoritative.
func (p *Player) Events() <-chan Event { return p.events }

// Done is closed once the session resources are released.
func (p *Player) Done() <-chan struct{} { return p.done }

// State returns the current state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the reason of the Error state, or nil.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// IsPlaying reports whether the state is Playing.
func (p *Player) IsPlaying() bool {
	return p.State() == StatePlaying
}

// Snapshot returns the state together with buffer and clock figures.
func (p *Player) Snapshot() Snapshot {
	clock := p.coord.Clock()
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		State:         p.state,
		Err:           p.err,
		Buffer:        p.buf.Snapshot(),
		Position:      clock.Position(),
		Epoch:         clock.Epoch(),
		Stalled:       p.stalled,
		Rebases:       p.rebases,
		Corrections:   p.corrections,
		DroppedEvents: p.droppedEvents,
	}
}

// PrepareToPlay starts resolution and buffering and returns at once. The
// player reports Prepared on Events once enough media is buffered, or Error
// if the source cannot be resolved.
func (p *Player) PrepareToPlay() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.state.Terminal():
		return fmt.Errorf("%w: player is %s", ErrTerminated, p.state)
	case p.state != StateIdle:
		return fmt.Errorf("%w: prepare from %s", ErrInvalidTransition, p.state)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.transitionLocked(StatePreparing)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.session(gctx) })
	for _, kind := range media.Kinds {
		g.Go(func() error { return p.present(gctx, kind) })
	}
	g.Go(func() error { return p.watch(gctx) })
	go p.supervise(g)
	return nil
}

// Play starts or resumes output. Called while preparing, it arms playback to
// start as soon as the player is prepared.
func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StatePlaying:
		return nil
	case StatePreparing:
		p.autoplay = true
		return nil
	case StatePrepared, StatePaused:
		p.enterPlayingLocked()
		return nil
	case StateIdle:
		return fmt.Errorf("%w: play from %s", ErrInvalidTransition, p.state)
	default:
		return fmt.Errorf("%w: player is %s", ErrTerminated, p.state)
	}
}

// Pause freezes output. Called while preparing, it cancels a pending Play.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StatePlaying:
		p.coord.SetHold(avsync.HoldPaused, true)
		p.transitionLocked(StatePaused)
		return nil
	case StatePreparing:
		p.autoplay = false
		return nil
	case StatePrepared, StatePaused:
		return nil
	case StateIdle:
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, p.state)
	default:
		return fmt.Errorf("%w: player is %s", ErrTerminated, p.state)
	}
}

// Stop ends the session and returns once every worker has exited. It is
// idempotent and never fails. A completed or failed player keeps its state.
func (p *Player) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.autoplay = false
		if !p.state.Terminal() {
			p.transitionLocked(StateStopped)
		}
		cancel := p.cancel
		p.mu.Unlock()

		if cancel == nil {
			p.release()
			return
		}
		cancel()
	})
	<-p.done
}

func (p *Player) session(ctx context.Context) error {
	ctx, span := telemetry.Tracer().Start(ctx, "player.session", trace.WithAttributes(
		attribute.String("player.locator", p.locator.String()),
	))
	defer span.End()

	seq, err := p.resolver.Resolve(ctx, p.locator)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return media.ResolutionError(err)
	}
	defer seq.Close()
	p.log.Info("source resolved")

	if err := p.pump.Run(ctx, resolver.Validate(seq)); err != nil {
		if ctx.Err() == nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	return nil
}

func (p *Player) present(ctx context.Context, kind media.StreamKind) error {
	sink := p.sinks[kind]
	for {
		f, err := p.coord.NextFrameDue(ctx, kind)
		if errors.Is(err, io.EOF) {
			p.streamEnded(kind)
			return nil
		}
		if err != nil {
			return err
		}
		if err := sink.Present(ctx, f); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("present %s frame: %w", kind, err)
		}
		if p.metrics != nil {
			p.metrics.IncFramesPresented(kind.String())
		}
	}
}

// watch turns buffer level changes into Prepared, stall and recovery
// transitions.
func (p *Player) watch(ctx context.Context) error {
	for {
		changed := p.buf.Changed()
		starved := p.buf.IsStarved()
		p.mu.Lock()
		p.observeLocked(starved)
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Player) supervise(g *errgroup.Group) {
	err := g.Wait()

	p.mu.Lock()
	if err != nil && !errors.Is(err, context.Canceled) {
		p.failLocked(err)
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.release()
}

func (p *Player) release() {
	flushed := p.audio.Flush() + p.video.Flush()
	p.log.Info("session released",
		slog.String("state", p.State().String()),
		slog.Int("flushed_frames", flushed),
	)
	p.closeEvents()
	close(p.done)
}

func (p *Player) streamEnded(kind media.StreamKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended[kind] = true
	if !p.ended[media.Audio] || !p.ended[media.Video] {
		return
	}
	if p.transitionLocked(StateCompleted) {
		p.log.Info("playback completed", slog.Duration("position", p.coord.Position()))
	}
	p.cancel()
}

func (p *Player) observeLocked(starved bool) {
	switch p.state {
	case StatePreparing:
		if starved {
			return
		}
		p.transitionLocked(StatePrepared)
		if p.autoplay {
			p.enterPlayingLocked()
		}
	case StatePlaying:
		switch {
		case starved && !p.stalled:
			p.stalled = true
			p.coord.SetHold(avsync.HoldStalled, true)
			p.log.Warn("playback stalled", slog.Int64("buffered_bytes", p.buf.Level()))
			p.emitLocked(Event{Type: EventStalled})
			if p.metrics != nil {
				p.metrics.IncStalls()
			}
		case !starved && p.stalled:
			p.recoverLocked()
		}
	case StatePaused:
		if !starved && p.stalled {
			p.recoverLocked()
		}
	}
}

func (p *Player) recoverLocked() {
	p.stalled = false
	p.coord.SetHold(avsync.HoldStalled, false)
	p.log.Info("playback recovered", slog.Int64("buffered_bytes", p.buf.Level()))
	p.emitLocked(Event{Type: EventRecovered})
}

func (p *Player) enterPlayingLocked() {
	if !p.transitionLocked(StatePlaying) {
		return
	}
	p.autoplay = false
	p.coord.SetHold(avsync.HoldNotStarted, false)
	p.coord.SetHold(avsync.HoldPaused, false)
	p.observeLocked(p.buf.IsStarved())
}

func (p *Player) transitionLocked(to State) bool {
	from := p.state
	if !canTransition(from, to) {
		p.log.Debug("transition rejected", slog.String("from", from.String()), slog.String("to", to.String()))
		return false
	}
	p.state = to
	if p.metrics != nil {
		p.metrics.ObserveTransition(from.String(), to.String())
	}
	p.log.Info("player state transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	p.emitLocked(Event{Type: EventStateChanged, Previous: from})
	return true
}

func (p *Player) failLocked(err error) {
	if p.state.Terminal() {
		return
	}
	p.err = err
	p.log.Error("playback failed",
		slog.String("state", p.state.String()),
		slog.String("error", err.Error()),
	)
	p.transitionLocked(StateError)
	p.emitLocked(Event{Type: EventError, Err: err})
	if p.metrics != nil {
		p.metrics.IncSessionErrors()
	}
}

func (p *Player) onSegmentLoaded(seg media.Segment, _ int, bytes int) {
	if p.metrics != nil {
		p.metrics.ObserveSegmentLoaded(bytes)
	}
	p.emit(Event{Type: EventSegmentLoaded, Segment: seg})
}

func (p *Player) onSkip(seg media.Segment, err error) {
	if p.metrics != nil {
		p.metrics.IncSegmentsSkipped()
	}
	p.emit(Event{Type: EventSegmentSkipped, Segment: seg, Err: err})
}

func (p *Player) onRetry(media.Segment, int, error) {
	if p.metrics != nil {
		p.metrics.IncFetchRetries()
	}
}

func (p *Player) onDiscontinuity(media.Segment, uint32) {
	if p.metrics != nil {
		p.metrics.IncDiscontinuities()
	}
}

func (p *Player) onFrameDropped(f media.Frame) {
	if p.metrics != nil {
		p.metrics.IncFramesDiscarded(f.Kind.String())
	}
}

func (p *Player) onDrift(d avsync.Drift) {
	p.mu.Lock()
	if d.Action == avsync.ActionRebased {
		p.rebases++
	} else {
		p.corrections++
	}
	p.mu.Unlock()
	if p.metrics != nil {
		p.metrics.IncSyncCorrections(d.Kind.String(), d.Action.String())
	}
}
