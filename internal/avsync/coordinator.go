// Package avsync paces frame delivery for each stream kind against a shared
// presentation clock.
package avsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"playback-engine/internal/buffer"
	"playback-engine/internal/media"
)

const (
	// DefaultTolerance is the drift absorbed before frames are dropped, duplicated or the clock re-anchored.
	DefaultTolerance = 100 * time.Millisecond

	defaultFrameCadence = 40 * time.Millisecond
)

// Hold is a reason the clock is frozen. Holds combine as a bit set.
type Hold uint8

const (
	HoldNotStarted Hold = 1 << iota
	HoldPaused
	HoldStalled
)

// Action is the correction applied to a frame outside the tolerance window.
type Action int

const (
	ActionRebased Action = iota
	ActionReanchored
	ActionDropped
	ActionDuplicated
)

var actionNames = [...]string{"rebased", "reanchored", "dropped", "duplicated"}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// Drift describes one correction. Offset is the frame PTS minus the clock
// position at the time of the decision.
type Drift struct {
	Kind   media.StreamKind
	Offset time.Duration
	Action Action
	Epoch  uint32
}

// Err returns the drift as an error wrapping media.ErrSyncDrift.
func (d Drift) Err() error {
	return &DriftError{Drift: d}
}

// DriftError reports a corrected drift. It is informational.
type DriftError struct {
	Drift Drift
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("%v: %s %s at offset %s", media.ErrSyncDrift, e.Drift.Kind, e.Drift.Action, e.Drift.Offset)
}

func (e *DriftError) Unwrap() error { return media.ErrSyncDrift }

// Clock is a read-only view of the presentation clock.
type Clock interface {
	Position() time.Duration
	Epoch() uint32
}

// Config wires a coordinator to the frame queues.
type Config struct {
	Audio *buffer.Queue
	Video *buffer.Queue

	// Tolerance defaults to DefaultTolerance.
	Tolerance time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	// OnDrift is called, without locks held, for every correction.
	OnDrift func(Drift)

	Logger *slog.Logger
}

// Coordinator owns the presentation clock. The clock starts frozen with
// HoldNotStarted set.
type Coordinator struct {
	audio     *buffer.Queue
	video     *buffer.Queue
	tolerance time.Duration
	now       func() time.Time
	onDrift   func(Drift)
	log       *slog.Logger

	mu        sync.Mutex
	holds     Hold
	anchored  bool
	anchor    media.StreamKind
	epoch     uint32
	pos       time.Duration
	wall      time.Time
	lastVideo *media.Frame
	changed   chan struct{}
}

// New returns a coordinator for cfg.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Audio == nil || cfg.Video == nil {
		return nil, errors.New("coordinator requires both frame queues")
	}
	c := &Coordinator{
		audio:     cfg.Audio,
		video:     cfg.Video,
		tolerance: cfg.Tolerance,
		now:       cfg.Now,
		onDrift:   cfg.OnDrift,
		log:       cfg.Logger,
		holds:     HoldNotStarted,
		changed:   make(chan struct{}),
	}
	if c.tolerance <= 0 {
		c.tolerance = DefaultTolerance
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = slog.New(slog.DiscardHandler)
	}
	return c, nil
}

// Clock returns a read-only view of the presentation clock.
func (c *Coordinator) Clock() Clock { return clockView{c: c} }

type clockView struct{ c *Coordinator }

func (v clockView) Position() time.Duration { return v.c.Position() }
func (v clockView) Epoch() uint32           { return v.c.Epoch() }

// Position returns the current clock position.
func (c *Coordinator) Position() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked(c.now())
}

// Epoch returns the epoch the clock is based on.
func (c *Coordinator) Epoch() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// SetHold sets or clears a hold. The clock freezes while any hold is set.
func (c *Coordinator) SetHold(h Hold, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	wasRunning := c.holds == 0
	if on {
		c.holds |= h
	} else {
		c.holds &^= h
	}
	running := c.holds == 0

	switch {
	case wasRunning && !running:
		c.pos = c.positionLocked(now)
	case !wasRunning && running:
		c.wall = now
	}
	c.notifyLocked()
}

// Holds returns the active holds.
func (c *Coordinator) Holds() Hold {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holds
}

// Master returns the stream kind the clock follows: audio once any audio
// frame was produced, video otherwise.
func (c *Coordinator) Master() media.StreamKind {
	if c.audio.Seen() {
		return media.Audio
	}
	return media.Video
}

// NextFrameDue blocks until the head frame of kind is due and returns it. A
// master frame that opens a new epoch rebases the clock and is returned at
// once. A non-master frame from a newer epoch waits for the master to rebase
// while the master queue still holds frames.
// Late video frames are dropped in favour of the most urgent one and video
// running ahead repeats the previous frame. It returns io.EOF once the queue
// is closed and drained.
func (c *Coordinator) NextFrameDue(ctx context.Context, kind media.StreamKind) (media.Frame, error) {
	q := c.queue(kind)
	for {
		if err := c.waitRunning(ctx); err != nil {
			return media.Frame{}, err
		}
		f, err := q.Peek(ctx)
		if err != nil {
			return media.Frame{}, err
		}

		c.mu.Lock()
		if c.holds != 0 {
			c.mu.Unlock()
			continue
		}
		now := c.now()

		master := kind == c.Master()
		opens := !c.anchored || f.Epoch > c.epoch

		if opens && !master && c.queue(c.Master()).Len() > 0 {
			ch := c.changed
			mch := c.queue(c.Master()).Changed()
			c.mu.Unlock()
			select {
			case <-ch:
			case <-mch:
			case <-ctx.Done():
				return media.Frame{}, ctx.Err()
			}
			continue
		}
		// A non-master anchor is provisional: the master takes the clock
		// over with its first frame of the epoch.
		if opens || (master && c.anchor != kind && f.Epoch == c.epoch) {
			c.rebaseLocked(f, now)
			drift := Drift{Kind: kind, Action: ActionRebased, Epoch: f.Epoch}
			c.takeLocked(q, f)
			c.mu.Unlock()
			c.log.Debug("clock rebased",
				slog.String("kind", kind.String()),
				slog.Int("epoch", int(f.Epoch)),
				slog.Duration("pts", f.PTS),
			)
			c.report(drift)
			return f, nil
		}
		if f.Epoch < c.epoch {
			c.takeLocked(q, f)
			c.mu.Unlock()
			return f, nil
		}

		delay := f.PTS - c.positionLocked(now)

		switch {
		case master && delay < -c.tolerance:
			c.rebaseLocked(f, now)
			c.takeLocked(q, f)
			c.mu.Unlock()
			c.report(Drift{Kind: kind, Offset: delay, Action: ActionReanchored, Epoch: f.Epoch})
			return f, nil

		case !master && delay < -c.tolerance && q.Len() > 1:
			c.dropLocked(q)
			c.mu.Unlock()
			c.report(Drift{Kind: kind, Offset: delay, Action: ActionDropped, Epoch: f.Epoch})
			continue

		case !master && delay > c.tolerance && c.lastVideo != nil && c.lastVideo.Epoch == f.Epoch:
			dup := *c.lastVideo
			dup.Duplicate = true
			cadence := dup.Duration
			if cadence <= 0 {
				cadence = defaultFrameCadence
			}
			wait := min(cadence, delay-c.tolerance)
			ch := c.changed
			c.mu.Unlock()
			fired, err := sleep(ctx, wait, ch)
			if err != nil {
				return media.Frame{}, err
			}
			if !fired {
				continue
			}
			c.report(Drift{Kind: kind, Offset: delay, Action: ActionDuplicated, Epoch: f.Epoch})
			return dup, nil

		case delay > 0:
			ch := c.changed
			c.mu.Unlock()
			if _, err := sleep(ctx, delay, ch); err != nil {
				return media.Frame{}, err
			}
			continue

		default:
			c.takeLocked(q, f)
			c.mu.Unlock()
			return f, nil
		}
	}
}

func (c *Coordinator) queue(kind media.StreamKind) *buffer.Queue {
	if kind == media.Audio {
		return c.audio
	}
	return c.video
}

func (c *Coordinator) waitRunning(ctx context.Context) error {
	for {
		c.mu.Lock()
		held := c.holds != 0
		ch := c.changed
		c.mu.Unlock()
		if !held {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) positionLocked(now time.Time) time.Duration {
	if !c.anchored {
		return 0
	}
	if c.holds != 0 {
		return c.pos
	}
	return c.pos + now.Sub(c.wall)
}

func (c *Coordinator) rebaseLocked(f media.Frame, now time.Time) {
	c.anchored = true
	c.anchor = f.Kind
	c.epoch = f.Epoch
	c.pos = f.PTS
	c.wall = now
	c.notifyLocked()
}

func (c *Coordinator) takeLocked(q *buffer.Queue, f media.Frame) {
	q.Pop()
	if f.Kind == media.Video {
		last := f
		c.lastVideo = &last
	}
}

func (c *Coordinator) dropLocked(q *buffer.Queue) {
	q.Pop()
}

func (c *Coordinator) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Coordinator) report(d Drift) {
	if d.Action != ActionRebased {
		c.log.Debug("sync drift corrected",
			slog.String("kind", d.Kind.String()),
			slog.String("action", d.Action.String()),
			slog.Duration("offset", d.Offset),
		)
	}
	if c.onDrift != nil {
		c.onDrift(d)
	}
}

// sleep waits for d, ctx or a change. fired reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration, changed <-chan struct{}) (fired bool, err error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true, nil
	case <-changed:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
