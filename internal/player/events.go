package player

import (
	"time"

	"playback-engine/internal/media"
)

// EventType identifies a notification produced by the state machine.
type EventType string

const (
	EventStateChanged   EventType = "state_changed"
	EventStalled        EventType = "stalled"
	EventRecovered      EventType = "recovered"
	EventSegmentLoaded  EventType = "segment_loaded"
	EventSegmentSkipped EventType = "segment_skipped"
	EventError          EventType = "error"
)

const (
	eventBufferSize = 256
	// eventReserve slots are kept free of segment events so state, stall
	// and error events still fit when the consumer falls behind.
	eventReserve = 64
)

// Event is a notification delivered on Player.Events. State is the state at
// the time the event was produced; Previous is only set for state changes.
type Event struct {
	Type     EventType
	Time     time.Time
	State    State
	Previous State
	Segment  media.Segment
	Err      error
}

// informational reports whether t may be dropped under backpressure before
// the reserve is touched.
func (t EventType) informational() bool {
	return t == EventSegmentLoaded || t == EventSegmentSkipped
}

// emitLocked queues ev without blocking. Segment events are dropped once the
// channel reaches the reserve; other events only when it is full. p.mu must
// be held.
func (p *Player) emitLocked(ev Event) {
	if p.eventsClosed {
		return
	}
	if ev.Type.informational() && len(p.events) >= eventBufferSize-eventReserve {
		p.dropEventLocked()
		return
	}
	ev.Time = time.Now()
	ev.State = p.state
	select {
	case p.events <- ev:
	default:
		p.dropEventLocked()
	}
}

func (p *Player) dropEventLocked() {
	p.droppedEvents++
	if p.metrics != nil {
		p.metrics.IncEventsDropped()
	}
}

func (p *Player) emit(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(ev)
}

func (p *Player) closeEvents() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eventsClosed {
		return
	}
	p.eventsClosed = true
	close(p.events)
}
