package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"playback-engine/internal/platform/metrics"
	"playback-engine/internal/player"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler exposes the player control endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Mount registers the player routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/players", func(r chi.Router) {
		r.Post("/", h.CreatePlayer)
		r.Get("/", h.ListPlayers)
		r.Route("/{player_id}", func(r chi.Router) {
			r.Get("/", h.GetPlayer)
			r.Delete("/", h.DeletePlayer)
			r.Post("/prepare", h.command(h.svc.Prepare))
			r.Post("/play", h.command(h.svc.Play))
			r.Post("/pause", h.command(h.svc.Pause))
			r.Post("/stop", h.command(h.svc.Stop))
			r.Get("/segments.m3u8", h.GetPlaylist)
			r.Get("/events", h.Events)
		})
	})
}

// CreatePlayer handles POST /players.
// Body: { "locator": "https://example.com/live.m3u8", "live": true }.
func (h *Handler) CreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req CreatePlayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Debug("invalid create body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	id, err := h.svc.Create(req)
	if err != nil {
		h.writeError(w, err, "create player failed")
		return
	}
	h.writeJSON(w, http.StatusCreated, CreatePlayerResponse{ID: id})
	if h.metrics != nil {
		h.metrics.IncPlayersCreated()
	}
}

// ListPlayers handles GET /players.
func (h *Handler) ListPlayers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.List())
}

// GetPlayer handles GET /players/{player_id}.
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Info(playerID(r))
	if err != nil {
		h.writeError(w, err, "get player failed")
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// DeletePlayer handles DELETE /players/{player_id}.
func (h *Handler) DeletePlayer(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(playerID(r)); err != nil {
		h.writeError(w, err, "delete player failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// command adapts a lifecycle verb to a handler that answers with the player info.
func (h *Handler) command(verb func(PlayerID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := playerID(r)
		if err := verb(id); err != nil {
			h.writeError(w, err, "player command failed")
			return
		}
		info, err := h.svc.Info(id)
		if err != nil {
			h.writeError(w, err, "get player failed")
			return
		}
		h.writeJSON(w, http.StatusOK, info)
	}
}

// GetPlaylist handles GET /players/{player_id}/segments.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	m3u8, err := h.svc.Playlist(playerID(r))
	if err != nil {
		h.writeError(w, err, "build playlist failed")
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}

// Events handles GET /players/{player_id}/events as a websocket stream of
// EventMessage values. The connection is closed when the player's event
// stream ends.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	id := playerID(r)
	events, cancel, err := h.svc.Subscribe(id)
	if err != nil {
		h.writeError(w, err, "subscribe failed")
		return
	}
	defer cancel()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go readUntilClosed(conn, gone)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "event stream ended"))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

// readUntilClosed drains control frames until the peer goes away.
func readUntilClosed(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encode response failed", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, msg string) {
	var status int
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, player.ErrInvalidTransition), errors.Is(err, player.ErrTerminated):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	default:
		h.log.Error(msg, slog.String("error", err.Error()))
		status = http.StatusInternalServerError
	}
	if status != http.StatusInternalServerError {
		h.log.Debug(msg, slog.Int("status", status), slog.String("error", err.Error()))
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func playerID(r *http.Request) PlayerID {
	return PlayerID(chi.URLParam(r, "player_id"))
}
