package control

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"playback-engine/internal/media"
	"playback-engine/internal/player"
	"playback-engine/internal/resolver"
)

// DefaultHistorySize is the default number of segments in the history playlist.
const DefaultHistorySize = 6

// ErrInvalidRequest is returned for malformed create requests.
var ErrInvalidRequest = errors.New("invalid request")

// ServiceConfig holds the defaults applied to every player the service creates.
type ServiceConfig struct {
	// HistorySize bounds the history playlist. Zero selects DefaultHistorySize.
	HistorySize int

	// MaxBufferSize and LiveBufferSize are the capacities used when a create
	// request does not name one. Zero selects the player defaults.
	MaxBufferSize  int64
	LiveBufferSize int64

	// PlayerOptions is copied into every player. Its Logger is also used by
	// the service itself.
	PlayerOptions player.Options
}

// Service manages the registry of players and fans their events out to
// history and subscribers.
type Service struct {
	repo Repository
	cfg  ServiceConfig
	log  *slog.Logger
	hub  *eventHub
}

// NewService returns a Service that stores players in repo.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = player.DefaultMaxBufferSize
	}
	if cfg.LiveBufferSize <= 0 {
		cfg.LiveBufferSize = player.LiveMaxBufferSize
	}
	log := cfg.PlayerOptions.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Service{
		repo: repo,
		cfg:  cfg,
		log:  log,
		hub:  newEventHub(),
	}
}

// Create builds an idle player for req and registers it.
func (s *Service) Create(req CreatePlayerRequest) (PlayerID, error) {
	loc, err := media.ParseLocator(req.Locator, media.Protocol(req.Protocol))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.MaxBufferSize < 0 {
		return "", fmt.Errorf("%w: negative max_buffer_size", ErrInvalidRequest)
	}
	size := req.MaxBufferSize
	if size == 0 {
		size = s.cfg.MaxBufferSize
		if req.Live {
			size = s.cfg.LiveBufferSize
		}
	}

	id := PlayerID(uuid.NewString())
	opts := s.cfg.PlayerOptions
	opts.Logger = s.log.With(slog.String("player_id", string(id)))

	p, err := player.New(player.Config{
		Locator:       loc,
		MaxBufferSize: size,
		Options:       &opts,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	e := &PlayerEntry{
		ID:        id,
		Player:    p,
		Live:      req.Live,
		CreatedAt: time.Now().UTC(),
		followed:  make(chan struct{}),
	}
	if err := s.repo.Add(e); err != nil {
		p.Stop()
		return "", err
	}
	go s.follow(e)

	s.log.Info("player created",
		slog.String("player_id", string(id)),
		slog.String("locator", loc.String()),
		slog.Int64("max_buffer_size", size),
	)
	return id, nil
}

// Prepare starts resolution and buffering.
func (s *Service) Prepare(id PlayerID) error {
	p, err := s.player(id)
	if err != nil {
		return err
	}
	return p.PrepareToPlay()
}

// Play starts or resumes output.
func (s *Service) Play(id PlayerID) error {
	p, err := s.player(id)
	if err != nil {
		return err
	}
	return p.Play()
}

// Pause freezes output.
func (s *Service) Pause(id PlayerID) error {
	p, err := s.player(id)
	if err != nil {
		return err
	}
	return p.Pause()
}

// Stop ends the session. The player stays registered.
func (s *Service) Stop(id PlayerID) error {
	p, err := s.player(id)
	if err != nil {
		return err
	}
	p.Stop()
	return nil
}

// Delete stops the player and removes it from the registry.
func (s *Service) Delete(id PlayerID) error {
	e, ok := s.repo.Remove(id)
	if !ok {
		return ErrNotFound
	}
	e.Player.Stop()
	<-e.followed
	s.hub.forget(id)
	s.log.Info("player deleted", slog.String("player_id", string(id)))
	return nil
}

// Info returns the current state and buffer figures of a player.
func (s *Service) Info(id PlayerID) (PlayerInfo, error) {
	e, ok := s.repo.Get(id)
	if !ok {
		return PlayerInfo{}, ErrNotFound
	}
	snap := e.Player.Snapshot()
	segments, _, _ := s.repo.SegmentSnapshot(id)

	info := PlayerInfo{
		ID:                 e.ID,
		Locator:            e.Player.Locator().String(),
		Live:               e.Live,
		State:              snap.State,
		IsPlaying:          snap.State == player.StatePlaying,
		BufferedBytes:      snap.Buffer.Bytes,
		BufferedDurationMs: snap.Buffer.Duration.Milliseconds(),
		Capacity:           snap.Buffer.Capacity,
		Stalled:            snap.Stalled,
		PositionMs:         snap.Position.Milliseconds(),
		Epoch:              snap.Epoch,
		SegmentsLoaded:     len(segments),
		CreatedAt:          e.CreatedAt,
	}
	if snap.Err != nil {
		info.Error = snap.Err.Error()
	}
	return info, nil
}

// List returns the info of every registered player, oldest first.
func (s *Service) List() []PlayerInfo {
	entries := s.repo.List()
	out := make([]PlayerInfo, 0, len(entries))
	for _, e := range entries {
		if info, err := s.Info(e.ID); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// Playlist returns an HLS playlist of the most recently ingested segments:
// a contiguous window of at most HistorySize segments, ended once the player
// reached a terminal state.
func (s *Service) Playlist(id PlayerID) (string, error) {
	segments, ended, ok := s.repo.SegmentSnapshot(id)
	if !ok {
		return "", ErrNotFound
	}
	window := historyWindow(segments, s.cfg.HistorySize)
	return resolver.BuildPlaylist(window, ended), nil
}

// Subscribe returns a channel of the player's events. The channel is closed
// when the player's event stream ends, when the subscriber falls behind, or
// after cancel is called.
func (s *Service) Subscribe(id PlayerID) (events <-chan EventMessage, cancel func(), err error) {
	if _, ok := s.repo.Get(id); !ok {
		return nil, nil, ErrNotFound
	}
	sub := s.hub.subscribe(id)
	return sub.send, func() { s.hub.unsubscribe(id, sub) }, nil
}

// ActivePlayers returns the number of players not in a terminal state.
func (s *Service) ActivePlayers() int {
	return s.repo.ActivePlayerCount()
}

// Shutdown stops every registered player.
func (s *Service) Shutdown() {
	for _, e := range s.repo.List() {
		e.Player.Stop()
	}
}

func (s *Service) player(id PlayerID) (*player.Player, error) {
	e, ok := s.repo.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e.Player, nil
}

// follow consumes the player's event channel, the only consumer it has.
func (s *Service) follow(e *PlayerEntry) {
	defer close(e.followed)
	for ev := range e.Player.Events() {
		switch ev.Type {
		case player.EventSegmentLoaded:
			if err := s.repo.RecordSegment(e.ID, ev.Segment); err != nil && !errors.Is(err, ErrNotFound) {
				s.log.Debug("segment not recorded",
					slog.String("player_id", string(e.ID)),
					slog.Uint64("sequence", ev.Segment.Sequence),
					slog.String("error", err.Error()),
				)
			}
		case player.EventStateChanged:
			if ev.State.Terminal() {
				s.repo.MarkEnded(e.ID)
			}
		}
		s.hub.publish(e.ID, newEventMessage(ev))
	}
	s.repo.MarkEnded(e.ID)
	s.hub.closePlayer(e.ID)
}

// historyWindow implements "slide then filter": keep the last windowSize
// segments, then cut at the first gap so the playlist never skips an index.
// segs must be sorted by Sequence ascending.
func historyWindow(segs []media.Segment, windowSize int) []media.Segment {
	if windowSize <= 0 || len(segs) == 0 {
		return nil
	}

	start := 0
	if len(segs) > windowSize {
		start = len(segs) - windowSize
	}
	windowed := segs[start:]

	visible := make([]media.Segment, 0, len(windowed))
	for i := range windowed {
		if i > 0 && windowed[i].Sequence != windowed[i-1].Sequence+1 {
			break
		}
		visible = append(visible, windowed[i])
	}
	return visible
}
