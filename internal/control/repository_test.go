package control

import (
	"errors"
	"testing"
	"time"

	"playback-engine/internal/media"
)

func addEntry(t *testing.T, repo Repository, id string) *PlayerEntry {
	t.Helper()
	e := &PlayerEntry{ID: PlayerID(id), CreatedAt: time.Now()}
	if err := repo.Add(e); err != nil {
		t.Fatalf("Add(%s): %v", id, err)
	}
	return e
}

func TestInMemoryRepository_Add(t *testing.T) {
	repo := NewInMemoryRepository()
	addEntry(t, repo, "p1")

	err := repo.Add(&PlayerEntry{ID: PlayerID("p1")})
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate Add: got %v, want ErrDuplicateID", err)
	}
	if _, ok := repo.Get(PlayerID("p1")); !ok {
		t.Error("Get: p1 not found")
	}
}

func TestInMemoryRepository_Remove(t *testing.T) {
	repo := NewInMemoryRepository()
	e := addEntry(t, repo, "p1")

	got, ok := repo.Remove(PlayerID("p1"))
	if !ok || got != e {
		t.Fatalf("Remove: ok=%v, got %p want %p", ok, got, e)
	}
	if _, ok := repo.Remove(PlayerID("p1")); ok {
		t.Error("second Remove should report not found")
	}
	if _, _, ok := repo.SegmentSnapshot(PlayerID("p1")); ok {
		t.Error("SegmentSnapshot of removed player should report not found")
	}
}

func TestInMemoryRepository_RecordSegment(t *testing.T) {
	repo := NewInMemoryRepository()
	id := PlayerID("p1")
	addEntry(t, repo, "p1")
	seg := media.Segment{Sequence: 1, Duration: 2 * time.Second, URI: "http://example.com/1.ts"}

	t.Run("success", func(t *testing.T) {
		if err := repo.RecordSegment(id, seg); err != nil {
			t.Fatalf("RecordSegment: %v", err)
		}
		got, ended, ok := repo.SegmentSnapshot(id)
		if !ok {
			t.Fatal("SegmentSnapshot: ok false")
		}
		if ended {
			t.Error("ended should be false")
		}
		if len(got) != 1 || got[0].Sequence != 1 || got[0].URI != seg.URI {
			t.Errorf("SegmentSnapshot: got %v", got)
		}
	})

	t.Run("duplicate_sequence_idempotent", func(t *testing.T) {
		if err := repo.RecordSegment(id, seg); err != nil {
			t.Fatalf("duplicate RecordSegment: %v", err)
		}
		got, _, _ := repo.SegmentSnapshot(id)
		if len(got) != 1 {
			t.Errorf("duplicate should not add segment, got len %d", len(got))
		}
	})

	t.Run("out_of_order_segments", func(t *testing.T) {
		_ = repo.RecordSegment(id, media.Segment{Sequence: 3, URI: "3.ts"})
		_ = repo.RecordSegment(id, media.Segment{Sequence: 2, URI: "2.ts"})
		got, _, ok := repo.SegmentSnapshot(id)
		if !ok || len(got) != 3 {
			t.Fatalf("expected 3 segments, got %d, ok=%v", len(got), ok)
		}
		if got[0].Sequence != 1 || got[1].Sequence != 2 || got[2].Sequence != 3 {
			t.Errorf("expected sorted by sequence, got %v", got)
		}
	})

	t.Run("unknown_player", func(t *testing.T) {
		err := repo.RecordSegment(PlayerID("missing"), seg)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("got %v, want ErrNotFound", err)
		}
	})
}

func TestInMemoryRepository_RecordSegment_after_end(t *testing.T) {
	repo := NewInMemoryRepository()
	id := PlayerID("p2")
	addEntry(t, repo, "p2")

	_ = repo.RecordSegment(id, media.Segment{Sequence: 1, URI: "a.ts"})
	repo.MarkEnded(id)
	repo.MarkEnded(id)

	err := repo.RecordSegment(id, media.Segment{Sequence: 2, URI: "b.ts"})
	if !errors.Is(err, ErrPlayerEnded) {
		t.Errorf("RecordSegment after end: got %v, want ErrPlayerEnded", err)
	}
	got, ended, _ := repo.SegmentSnapshot(id)
	if !ended || len(got) != 1 {
		t.Errorf("after end: ended=%v len=%d, want true 1", ended, len(got))
	}
}

func TestInMemoryRepository_MarkEnded_unknown_is_noop(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.MarkEnded(PlayerID("missing"))
	if _, ok := repo.Get(PlayerID("missing")); ok {
		t.Error("MarkEnded must not create an entry")
	}
}

func TestInMemoryRepository_RetainsBoundedHistory(t *testing.T) {
	repo := NewInMemoryRepository()
	id := PlayerID("p1")
	addEntry(t, repo, "p1")

	total := uint64(maxRetainedSegments + 10)
	for seq := uint64(0); seq < total; seq++ {
		if err := repo.RecordSegment(id, media.Segment{Sequence: seq}); err != nil {
			t.Fatalf("RecordSegment(%d): %v", seq, err)
		}
	}

	got, _, _ := repo.SegmentSnapshot(id)
	if len(got) != maxRetainedSegments {
		t.Fatalf("retained %d segments, want %d", len(got), maxRetainedSegments)
	}
	if got[0].Sequence != 10 || got[len(got)-1].Sequence != total-1 {
		t.Errorf("retained range %d..%d, want 10..%d", got[0].Sequence, got[len(got)-1].Sequence, total-1)
	}
}

func TestInMemoryRepository_ListAndActiveCount(t *testing.T) {
	repo := NewInMemoryRepository()
	base := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		e := &PlayerEntry{ID: PlayerID(id), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := repo.Add(e); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	repo.MarkEnded(PlayerID("a"))

	list := repo.List()
	if len(list) != 3 {
		t.Fatalf("List: got %d entries, want 3", len(list))
	}
	if list[0].ID != "c" || list[1].ID != "a" || list[2].ID != "b" {
		t.Errorf("List should be ordered by creation time, got %s %s %s", list[0].ID, list[1].ID, list[2].ID)
	}
	if n := repo.ActivePlayerCount(); n != 2 {
		t.Errorf("ActivePlayerCount: got %d, want 2", n)
	}
}
