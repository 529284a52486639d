// Package buffer accounts ingested-but-unconsumed media against a fixed
// capacity and drives ingestion backpressure and starvation decisions.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrExceedsCapacity is returned when a single unit is larger than the capacity.
	ErrExceedsCapacity = errors.New("unit exceeds buffer capacity")

	// ErrFull is returned by Admit when the unit does not fit right now.
	ErrFull = errors.New("buffer full")

	// ErrInvalidConfig is returned by New for inconsistent thresholds.
	ErrInvalidConfig = errors.New("invalid buffer config")
)

// Config holds the buffering thresholds. Zero water marks take defaults
// derived from Capacity.
type Config struct {
	// Capacity is the byte ceiling. It must be positive.
	Capacity int64

	// LowWater is the level below which a primed buffer is starved.
	LowWater int64

	// HighWater is the level a starved buffer must reach to recover.
	HighWater int64

	// MaxDuration pauses ingestion once that much media is buffered. Zero disables it.
	MaxDuration time.Duration
}

// DefaultWaterMarks returns high = capacity/2 and low = capacity/10, clamped
// so that 0 <= low < high <= capacity.
func DefaultWaterMarks(capacity int64) (low, high int64) {
	high = max(capacity/2, 1)
	low = min(capacity/10, high-1)
	return low, high
}

func (c Config) withDefaults() Config {
	low, high := DefaultWaterMarks(c.Capacity)
	if c.HighWater == 0 {
		c.HighWater = high
	}
	if c.LowWater == 0 && c.HighWater == high {
		c.LowWater = low
	}
	return c
}

// Validate checks 0 <= low < high <= capacity.
func (c Config) Validate() error {
	switch {
	case c.Capacity <= 0:
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	case c.LowWater < 0:
		return fmt.Errorf("%w: low water %d is negative", ErrInvalidConfig, c.LowWater)
	case c.LowWater >= c.HighWater:
		return fmt.Errorf("%w: low water %d must be below high water %d", ErrInvalidConfig, c.LowWater, c.HighWater)
	case c.HighWater > c.Capacity:
		return fmt.Errorf("%w: high water %d exceeds capacity %d", ErrInvalidConfig, c.HighWater, c.Capacity)
	case c.MaxDuration < 0:
		return fmt.Errorf("%w: negative max duration", ErrInvalidConfig)
	}
	return nil
}

// Snapshot is a consistent view of the buffer state.
type Snapshot struct {
	Bytes     int64
	Duration  time.Duration
	Capacity  int64
	LowWater  int64
	HighWater int64
	Peak      int64
	Paused    bool
	Starved   bool
	Finished  bool
}

// Controller is safe for concurrent use. Admission never lets the buffered
// byte count exceed the capacity.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	bytes    int64
	duration time.Duration
	peak     int64
	starved  bool
	blocked  bool
	finished bool
	changed  chan struct{}
}

// New returns a controller for cfg. The buffer starts empty and starved.
func New(cfg Config) (*Controller, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:     cfg,
		starved: true,
		changed: make(chan struct{}),
	}, nil
}

// Config returns the effective thresholds.
func (c *Controller) Config() Config { return c.cfg }

// Admit accounts a unit without blocking. It fails with ErrFull if the unit
// does not fit.
func (c *Controller) Admit(bytes int64, duration time.Duration) error {
	if err := c.checkUnit(bytes, duration); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bytes+bytes > c.cfg.Capacity {
		return ErrFull
	}
	c.addLocked(bytes, duration)
	return nil
}

// WaitAdmit blocks until the unit fits, then accounts it. While a caller is
// blocked here the buffer reports itself full.
func (c *Controller) WaitAdmit(ctx context.Context, bytes int64, duration time.Duration) error {
	if err := c.checkUnit(bytes, duration); err != nil {
		return err
	}
	for {
		c.mu.Lock()
		if c.bytes+bytes <= c.cfg.Capacity {
			c.blocked = false
			c.addLocked(bytes, duration)
			c.mu.Unlock()
			return nil
		}
		if !c.blocked {
			c.blocked = true
			c.updateLocked()
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			c.mu.Lock()
			c.blocked = false
			c.updateLocked()
			c.mu.Unlock()
			return ctx.Err()
		}
	}
}

// Consume releases a previously admitted unit.
func (c *Controller) Consume(bytes int64, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytes = max(c.bytes-bytes, 0)
	c.duration = max(c.duration-duration, 0)
	c.updateLocked()
}

// ShouldPause reports whether ingestion must stop: the byte capacity or the
// duration ceiling is reached.
func (c *Controller) ShouldPause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullLocked()
}

// WaitResume blocks while ShouldPause holds.
func (c *Controller) WaitResume(ctx context.Context) error {
	for {
		c.mu.Lock()
		full := c.fullLocked()
		ch := c.changed
		c.mu.Unlock()
		if !full {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// IsStarved reports the hysteresis state: it turns true when a primed buffer
// drops below the low-water mark and false once it is back at the high-water
// mark, full, or finished.
func (c *Controller) IsStarved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starved
}

// Finish marks the end of ingestion. A finished buffer drains without
// reporting starvation.
func (c *Controller) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	c.updateLocked()
}

// Level returns the buffered byte count.
func (c *Controller) Level() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Bytes:     c.bytes,
		Duration:  c.duration,
		Capacity:  c.cfg.Capacity,
		LowWater:  c.cfg.LowWater,
		HighWater: c.cfg.HighWater,
		Peak:      c.peak,
		Paused:    c.fullLocked(),
		Starved:   c.starved,
		Finished:  c.finished,
	}
}

// Changed returns a channel closed at the next state change.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *Controller) checkUnit(bytes int64, duration time.Duration) error {
	if bytes < 0 || duration < 0 {
		return fmt.Errorf("negative unit (%d bytes, %s)", bytes, duration)
	}
	if bytes > c.cfg.Capacity {
		return fmt.Errorf("%w: %d > %d", ErrExceedsCapacity, bytes, c.cfg.Capacity)
	}
	return nil
}

func (c *Controller) addLocked(bytes int64, duration time.Duration) {
	c.bytes += bytes
	c.duration += duration
	c.peak = max(c.peak, c.bytes)
	c.updateLocked()
}

func (c *Controller) fullLocked() bool {
	if c.blocked || c.bytes >= c.cfg.Capacity {
		return true
	}
	return c.cfg.MaxDuration > 0 && c.duration >= c.cfg.MaxDuration
}

func (c *Controller) updateLocked() {
	full := c.fullLocked()
	switch {
	case c.finished:
		c.starved = false
	case c.starved && (c.bytes >= c.cfg.HighWater || full):
		c.starved = false
	case !c.starved && !full && c.bytes < c.cfg.LowWater:
		c.starved = true
	}
	close(c.changed)
	c.changed = make(chan struct{})
}
