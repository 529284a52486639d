package control

// Store is the persistence abstraction for the player registry.
// The Repository uses Store for all reads and writes.
type Store interface {
	GetPlayer(id PlayerID) (*PlayerEntry, bool)
	SetPlayer(e *PlayerEntry)
	DeletePlayer(id PlayerID)
	ListPlayerIDs() []PlayerID
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	players map[PlayerID]*PlayerEntry
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		players: make(map[PlayerID]*PlayerEntry),
	}
}

// GetPlayer implements Store.GetPlayer.
func (s *InMemoryStore) GetPlayer(id PlayerID) (*PlayerEntry, bool) {
	e, ok := s.players[id]
	return e, ok
}

// SetPlayer implements Store.SetPlayer.
func (s *InMemoryStore) SetPlayer(e *PlayerEntry) {
	s.players[e.ID] = e
}

// DeletePlayer implements Store.DeletePlayer.
func (s *InMemoryStore) DeletePlayer(id PlayerID) {
	delete(s.players, id)
}

// ListPlayerIDs implements Store.ListPlayerIDs.
func (s *InMemoryStore) ListPlayerIDs() []PlayerID {
	ids := make([]PlayerID, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	return ids
}
