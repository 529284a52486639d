package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"playback-engine/internal/media"
)

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("frame queue closed")

type entry struct {
	frame  media.Frame
	charge time.Duration
}

// Queue is a single-producer single-consumer frame queue for one stream kind.
// Every frame it holds is accounted in the shared Controller until popped.
type Queue struct {
	kind media.StreamKind
	buf  *Controller

	mu      sync.Mutex
	items   []entry
	closed  bool
	seen    bool
	changed chan struct{}
}

// NewQueue returns an empty queue accounting against buf.
func NewQueue(kind media.StreamKind, buf *Controller) *Queue {
	return &Queue{
		kind:    kind,
		buf:     buf,
		changed: make(chan struct{}),
	}
}

// Kind returns the stream kind the queue carries.
func (q *Queue) Kind() media.StreamKind { return q.kind }

// Push waits for buffer admission, then appends f. charge is the duration
// accounted against the buffer for this frame.
func (q *Queue) Push(ctx context.Context, f media.Frame, charge time.Duration) error {
	if f.Kind != q.kind {
		return fmt.Errorf("push %s frame onto %s queue", f.Kind, q.kind)
	}
	if err := q.buf.WaitAdmit(ctx, f.Size(), charge); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.buf.Consume(f.Size(), charge)
		return ErrQueueClosed
	}
	q.items = append(q.items, entry{frame: f, charge: charge})
	q.seen = true
	q.notifyLocked()
	q.mu.Unlock()
	return nil
}

// Peek blocks until a frame is available and returns it without removing it.
// It returns io.EOF once the queue is closed and drained.
func (q *Queue) Peek(ctx context.Context) (media.Frame, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f := q.items[0].frame
			q.mu.Unlock()
			return f, nil
		}
		if q.closed {
			q.mu.Unlock()
			return media.Frame{}, io.EOF
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return media.Frame{}, ctx.Err()
		}
	}
}

// Pop removes the head frame and releases its accounting.
func (q *Queue) Pop() (media.Frame, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return media.Frame{}, false
	}
	e := q.items[0]
	q.items[0] = entry{}
	q.items = q.items[1:]
	q.notifyLocked()
	q.mu.Unlock()

	q.buf.Consume(e.frame.Size(), e.charge)
	return e.frame, true
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Seen reports whether a frame was ever pushed.
func (q *Queue) Seen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seen
}

// Close marks the end of the stream. Queued frames remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notifyLocked()
}

// Flush closes the queue and drops every frame it holds, releasing their
// accounting. It returns the number of dropped frames.
func (q *Queue) Flush() int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.closed = true
	q.notifyLocked()
	q.mu.Unlock()

	for _, e := range items {
		q.buf.Consume(e.frame.Size(), e.charge)
	}
	return len(items)
}

// Changed returns a channel closed at the next push, pop or close.
func (q *Queue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
