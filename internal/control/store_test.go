package control

import (
	"testing"
)

func TestInMemoryStore_GetSetPlayer(t *testing.T) {
	store := NewInMemoryStore()

	_, ok := store.GetPlayer(PlayerID("p1"))
	if ok {
		t.Error("expected not found for empty store")
	}

	e := &PlayerEntry{ID: PlayerID("p1")}
	store.SetPlayer(e)

	got, ok := store.GetPlayer(PlayerID("p1"))
	if !ok || got != e {
		t.Errorf("GetPlayer: ok=%v, got %p want %p", ok, got, e)
	}
}

func TestInMemoryStore_SetPlayer_replaces(t *testing.T) {
	store := NewInMemoryStore()
	e1 := &PlayerEntry{ID: PlayerID("p1")}
	e2 := &PlayerEntry{ID: PlayerID("p1")}
	store.SetPlayer(e1)
	store.SetPlayer(e2)

	got, ok := store.GetPlayer(PlayerID("p1"))
	if !ok || got != e2 {
		t.Errorf("SetPlayer should replace: got %p want %p", got, e2)
	}
}

func TestInMemoryStore_DeletePlayer(t *testing.T) {
	store := NewInMemoryStore()
	store.SetPlayer(&PlayerEntry{ID: PlayerID("p1")})
	store.SetPlayer(&PlayerEntry{ID: PlayerID("p2")})

	store.DeletePlayer(PlayerID("p1"))
	store.DeletePlayer(PlayerID("missing"))

	if _, ok := store.GetPlayer(PlayerID("p1")); ok {
		t.Error("p1 should be deleted")
	}
	ids := store.ListPlayerIDs()
	if len(ids) != 1 || ids[0] != PlayerID("p2") {
		t.Errorf("ListPlayerIDs: got %v, want [p2]", ids)
	}
}

func TestNewInMemoryRepositoryWithStore(t *testing.T) {
	store := NewInMemoryStore()
	repo := NewInMemoryRepositoryWithStore(store)

	if err := repo.Add(&PlayerEntry{ID: PlayerID("p1")}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The repository writes through to the injected store.
	got, ok := store.GetPlayer(PlayerID("p1"))
	if !ok {
		t.Fatal("store should hold the added entry")
	}
	if got.Segments == nil {
		t.Error("Add should initialise the segment history")
	}
}
