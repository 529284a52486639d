package control

import (
	"time"

	"playback-engine/internal/media"
	"playback-engine/internal/player"
)

// PlayerID uniquely identifies a registered player.
type PlayerID string

// PlayerEntry is the registry record of one player.
type PlayerEntry struct {
	ID        PlayerID
	Player    *player.Player
	Live      bool
	CreatedAt time.Time

	// Segments holds the ingested segments keyed by sequence index.
	Segments map[uint64]SegmentRecord
	Ended    bool

	// followed is closed once the player's event stream is drained.
	followed chan struct{}
}

// SegmentRecord is an ingested segment as kept in the history.
type SegmentRecord struct {
	media.Segment
	LoadedAt time.Time
}

// CreatePlayerRequest is the body of POST /players.
type CreatePlayerRequest struct {
	Locator       string `json:"locator"`
	Protocol      string `json:"protocol,omitempty"`
	MaxBufferSize int64  `json:"max_buffer_size,omitempty"`
	Live          bool   `json:"live,omitempty"`
}

// CreatePlayerResponse is returned by POST /players.
type CreatePlayerResponse struct {
	ID PlayerID `json:"id"`
}

// PlayerInfo is returned by GET /players/{player_id}.
type PlayerInfo struct {
	ID                 PlayerID     `json:"id"`
	Locator            string       `json:"locator"`
	Live               bool         `json:"live"`
	State              player.State `json:"state"`
	IsPlaying          bool         `json:"is_playing"`
	Error              string       `json:"error,omitempty"`
	BufferedBytes      int64        `json:"buffered_bytes"`
	BufferedDurationMs int64        `json:"buffered_duration_ms"`
	Capacity           int64        `json:"capacity"`
	Stalled            bool         `json:"stalled"`
	PositionMs         int64        `json:"position_ms"`
	Epoch              uint32       `json:"epoch"`
	SegmentsLoaded     int          `json:"segments_loaded"`
	CreatedAt          time.Time    `json:"created_at"`
}

// EventMessage is a player event as sent to websocket subscribers.
type EventMessage struct {
	Type     player.EventType `json:"type"`
	State    player.State     `json:"state"`
	Previous *player.State    `json:"previous,omitempty"`
	Sequence *uint64          `json:"sequence,omitempty"`
	Error    string           `json:"error,omitempty"`
	Time     time.Time        `json:"time"`
}

func newEventMessage(ev player.Event) EventMessage {
	msg := EventMessage{Type: ev.Type, State: ev.State, Time: ev.Time.UTC()}
	switch ev.Type {
	case player.EventStateChanged:
		prev := ev.Previous
		msg.Previous = &prev
	case player.EventSegmentLoaded, player.EventSegmentSkipped:
		seq := ev.Segment.Sequence
		msg.Sequence = &seq
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}
