package control

import (
	"sync"
)

const subscriberBuffer = 64

type subscriber struct {
	send chan EventMessage
}

// eventHub fans player events out to subscribers. Slow subscribers are
// disconnected instead of blocking the publisher.
type eventHub struct {
	mu     sync.Mutex
	subs   map[PlayerID]map[*subscriber]struct{}
	closed map[PlayerID]bool
}

func newEventHub() *eventHub {
	return &eventHub{
		subs:   make(map[PlayerID]map[*subscriber]struct{}),
		closed: make(map[PlayerID]bool),
	}
}

// subscribe registers a subscriber for id. The channel is already closed if
// the player's event stream has ended.
func (h *eventHub) subscribe(id PlayerID) *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{send: make(chan EventMessage, subscriberBuffer)}
	if h.closed[id] {
		close(sub.send)
		return sub
	}
	if h.subs[id] == nil {
		h.subs[id] = make(map[*subscriber]struct{})
	}
	h.subs[id][sub] = struct{}{}
	return sub
}

func (h *eventHub) unsubscribe(id PlayerID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id][sub]; ok {
		delete(h.subs[id], sub)
		close(sub.send)
	}
}

func (h *eventHub) publish(id PlayerID, msg EventMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[id] {
		select {
		case sub.send <- msg:
		default:
			delete(h.subs[id], sub)
			close(sub.send)
		}
	}
}

// closePlayer ends the stream for id and disconnects its subscribers.
func (h *eventHub) closePlayer(id PlayerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed[id] = true
	for sub := range h.subs[id] {
		close(sub.send)
	}
	delete(h.subs, id)
}

// forget drops the bookkeeping of a removed player.
func (h *eventHub) forget(id PlayerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.closed, id)
}

func (h *eventHub) subscriberCount(id PlayerID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}
