package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestMiddleware_countsErrors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("ok"))
	}))

	for _, path := range []string{"/", "/missing", "/"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.requestsTotal); got != 3 {
		t.Errorf("requests: got %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.errorsTotal); got != 1 {
		t.Errorf("errors: got %v, want 1", got)
	}
}

func TestRequestMiddleware_hijackUnsupported(t *testing.T) {
	m := New()
	var hijackErr error
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("wrapped writer should implement http.Hijacker")
		}
		_, _, hijackErr = hj.Hijack()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if hijackErr == nil {
		t.Error("hijacking a recorder should fail")
	}
}

func TestPlaybackMetrics(t *testing.T) {
	m := New()
	m.ObserveTransition("idle", "preparing")
	m.ObserveTransition("idle", "preparing")
	m.ObserveTransition("preparing", "prepared")
	m.IncFramesPresented("video")
	m.IncSyncCorrections("audio", "dropped")
	m.ObserveSegmentLoaded(64 * 1024)
	m.IncFramesDiscarded("audio")
	m.IncDiscontinuities()

	if got := testutil.ToFloat64(m.stateTransitionsTotal.WithLabelValues("idle", "preparing")); got != 2 {
		t.Errorf("idle->preparing: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.segmentsLoadedTotal); got != 1 {
		t.Errorf("segments loaded: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.framesDiscardedTotal.WithLabelValues("audio")); got != 1 {
		t.Errorf("frames discarded: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.discontinuitiesTotal); got != 1 {
		t.Errorf("discontinuities: got %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.syncCorrectionsTotal); got != 1 {
		t.Errorf("sync correction series: got %d, want 1", got)
	}
}

func TestHandler_updatesGaugesBeforeScrape(t *testing.T) {
	m := New()
	srv := httptest.NewServer(m.Handler(func() { m.SetActivePlayers(3) }))
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)

	if !strings.Contains(string(body), "player_active 3") {
		t.Errorf("scrape should report 3 active players:\n%s", body)
	}
}
