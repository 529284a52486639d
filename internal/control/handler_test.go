package control

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"playback-engine/internal/platform/logger"
	"playback-engine/internal/platform/metrics"
	"playback-engine/internal/player"
)

func newTestHandler(t *testing.T, client *http.Client) (*Handler, *Service) {
	t.Helper()
	svc := newTestService(t, client)
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewHandler(svc, log, nil), svc
}

// newTestRouter mounts h behind the same middleware chain the server uses.
func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(slog.New(slog.DiscardHandler)))
	r.Use(metrics.RequestMiddleware(metrics.New()))
	h.Mount(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func createPlayer(t *testing.T, r http.Handler, req CreatePlayerRequest) PlayerID {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/players", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	var resp CreatePlayerResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("create: empty id")
	}
	return resp.ID
}

func TestHandler_CreatePlayer(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	id := createPlayer(t, r, CreatePlayerRequest{Locator: "http://example.com/live.m3u8", Live: true})

	rec := do(t, r, http.MethodGet, "/players/"+string(id), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var info PlayerInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.ID != id || info.State != player.StateIdle || !info.Live {
		t.Errorf("info: %+v", info)
	}
	if info.Capacity != player.LiveMaxBufferSize {
		t.Errorf("live capacity: got %d, want %d", info.Capacity, player.LiveMaxBufferSize)
	}
}

func TestHandler_CreatePlayer_bad_request(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/players", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rec.Code)
	}

	rec = do(t, r, http.MethodPost, "/players", CreatePlayerRequest{Locator: "gopher://example.com/a"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad locator: expected 400, got %d", rec.Code)
	}
}

func TestHandler_unknown_player(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	r := newTestRouter(h)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/players/missing"},
		{http.MethodDelete, "/players/missing"},
		{http.MethodPost, "/players/missing/play"},
		{http.MethodGet, "/players/missing/segments.m3u8"},
		{http.MethodGet, "/players/missing/events"},
	} {
		if rec := do(t, r, tc.method, tc.path, nil); rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestHandler_commands(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	r := newTestRouter(h)
	id := createPlayer(t, r, CreatePlayerRequest{Locator: "http://example.com/vod.m3u8"})
	base := "/players/" + string(id)

	if rec := do(t, r, http.MethodPost, base+"/play", nil); rec.Code != http.StatusConflict {
		t.Errorf("play before prepare: expected 409, got %d", rec.Code)
	}

	rec := do(t, r, http.MethodPost, base+"/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rec.Code)
	}
	var info PlayerInfo
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.State != player.StateStopped {
		t.Errorf("state after stop: got %s, want stopped", info.State)
	}

	if rec := do(t, r, http.MethodPost, base+"/prepare", nil); rec.Code != http.StatusConflict {
		t.Errorf("prepare after stop: expected 409, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodPost, base+"/stop", nil); rec.Code != http.StatusOK {
		t.Errorf("second stop: expected 200, got %d", rec.Code)
	}
}

func TestHandler_ListAndDelete(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	r := newTestRouter(h)
	first := createPlayer(t, r, CreatePlayerRequest{Locator: "http://example.com/a.m3u8"})
	second := createPlayer(t, r, CreatePlayerRequest{Locator: "http://example.com/b.m3u8"})

	if rec := do(t, r, http.MethodDelete, "/players/"+string(first), nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}

	rec := do(t, r, http.MethodGet, "/players", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list []PlayerInfo
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != second {
		t.Errorf("list after delete: %+v", list)
	}
}

func TestHandler_GetPlaylist(t *testing.T) {
	ts := manifestServer(t, 10, 12)
	h, svc := newTestHandler(t, ts.Client())
	r := newTestRouter(h)
	id := createPlayer(t, r, CreatePlayerRequest{Locator: ts.URL + "/vod.m3u8"})
	base := "/players/" + string(id)

	rec := do(t, r, http.MethodGet, base+"/segments.m3u8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("playlist: expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("content type: got %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "#EXT-X-MEDIA-SEQUENCE:0") {
		t.Errorf("idle player should have an empty history: %s", rec.Body)
	}

	for _, verb := range []string{"prepare", "play"} {
		if rec := do(t, r, http.MethodPost, base+"/"+verb, nil); rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", verb, rec.Code, rec.Body)
		}
	}
	waitEnded(t, svc, id)

	rec = do(t, r, http.MethodGet, base+"/segments.m3u8", nil)
	body := rec.Body.String()
	if !strings.Contains(body, "#EXT-X-MEDIA-SEQUENCE:10") || !strings.Contains(body, "/seg12.ts") {
		t.Errorf("history after completion: %s", body)
	}
}

func TestHandler_Events_websocket(t *testing.T) {
	ts := manifestServer(t, 1, 3)
	h, svc := newTestHandler(t, ts.Client())
	srv := httptest.NewServer(newTestRouter(h))
	t.Cleanup(srv.Close)

	id, err := svc.Create(CreatePlayerRequest{Locator: ts.URL + "/vod.m3u8"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/players/" + string(id) + "/events"
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if res.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake status: %d", res.StatusCode)
	}

	// The subscription exists once the handshake completes.
	if err := svc.Prepare(id); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := svc.Play(id); err != nil {
		t.Fatalf("Play: %v", err)
	}

	var loaded int
	var last EventMessage
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg EventMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		if msg.Type == player.EventSegmentLoaded {
			loaded++
		}
		if msg.Type == player.EventStateChanged {
			last = msg
		}
	}

	if loaded != 3 {
		t.Errorf("segment_loaded messages: got %d, want 3", loaded)
	}
	if last.State != player.StateCompleted || last.Previous == nil || *last.Previous != player.StatePlaying {
		t.Errorf("last state change: %+v", last)
	}
}
