package control

import (
	"errors"
	"sort"
	"sync"
	"time"

	"playback-engine/internal/media"
)

// maxRetainedSegments bounds the segment history kept per player.
const maxRetainedSegments = 256

// Repository defines the concurrency-safe contract for the player registry.
type Repository interface {
	// Add registers a new entry. It fails with ErrDuplicateID if the id is taken.
	Add(e *PlayerEntry) error

	// Get returns the entry for id.
	Get(id PlayerID) (*PlayerEntry, bool)

	// Remove deletes and returns the entry for id.
	Remove(id PlayerID) (*PlayerEntry, bool)

	// RecordSegment appends an ingested segment to the player's history.
	// Duplicate sequence numbers are ignored. Ended players reject segments.
	RecordSegment(id PlayerID, seg media.Segment) error

	// MarkEnded flags the player as ended. It is idempotent.
	MarkEnded(id PlayerID)

	// SegmentSnapshot returns the history sorted by sequence number, along
	// with the ended flag. ok is false if the player does not exist.
	SegmentSnapshot(id PlayerID) (segments []media.Segment, ended bool, ok bool)

	// List returns every entry.
	List() []*PlayerEntry

	// ActivePlayerCount returns the number of players that are not ended.
	// Used for metrics.
	ActivePlayerCount() int
}

var (
	// ErrNotFound is returned for unknown player ids.
	ErrNotFound = errors.New("player not found")

	// ErrDuplicateID is returned when adding an entry whose id is taken.
	ErrDuplicateID = errors.New("player id already registered")

	// ErrPlayerEnded is returned when recording a segment on an ended player.
	ErrPlayerEnded = errors.New("player has ended")
)

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// Add implements Repository.Add.
func (r *InMemoryRepository) Add(e *PlayerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetPlayer(e.ID); exists {
		return ErrDuplicateID
	}
	if e.Segments == nil {
		e.Segments = make(map[uint64]SegmentRecord)
	}
	r.store.SetPlayer(e)
	return nil
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id PlayerID) (*PlayerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetPlayer(id)
}

// Remove implements Repository.Remove.
func (r *InMemoryRepository) Remove(id PlayerID) (*PlayerEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.store.GetPlayer(id)
	if !exists {
		return nil, false
	}
	r.store.DeletePlayer(id)
	return e, true
}

// RecordSegment implements Repository.RecordSegment.
func (r *InMemoryRepository) RecordSegment(id PlayerID, seg media.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.store.GetPlayer(id)
	if !exists {
		return ErrNotFound
	}
	if e.Ended {
		return ErrPlayerEnded
	}

	// Ignore duplicate sequence numbers to avoid corrupting state.
	if _, exists := e.Segments[seg.Sequence]; exists {
		return nil
	}
	e.Segments[seg.Sequence] = SegmentRecord{Segment: seg, LoadedAt: time.Now().UTC()}

	if len(e.Segments) > maxRetainedSegments {
		oldest := seg.Sequence
		for seq := range e.Segments {
			oldest = min(oldest, seq)
		}
		delete(e.Segments, oldest)
	}
	return nil
}

// MarkEnded implements Repository.MarkEnded.
func (r *InMemoryRepository) MarkEnded(id PlayerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Ending a removed player is a no-op.
	if e, exists := r.store.GetPlayer(id); exists {
		e.Ended = true
	}
}

// SegmentSnapshot implements Repository.SegmentSnapshot.
func (r *InMemoryRepository) SegmentSnapshot(id PlayerID) (segments []media.Segment, ended bool, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.store.GetPlayer(id)
	if !exists {
		return nil, false, false
	}
	if len(e.Segments) == 0 {
		return nil, e.Ended, true
	}

	sequences := make([]uint64, 0, len(e.Segments))
	for seq := range e.Segments {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	segments = make([]media.Segment, 0, len(sequences))
	for _, seq := range sequences {
		segments = append(segments, e.Segments[seq].Segment)
	}
	return segments, e.Ended, true
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []*PlayerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.ListPlayerIDs()
	out := make([]*PlayerEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.store.GetPlayer(id); ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ActivePlayerCount implements Repository.ActivePlayerCount.
func (r *InMemoryRepository) ActivePlayerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListPlayerIDs() {
		if e, ok := r.store.GetPlayer(id); ok && !e.Ended {
			n++
		}
	}
	return n
}
