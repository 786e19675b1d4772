package orchestrator

import (
	"errors"
	"sort"
	"sync"
)

// Repository defines the concurrency-safe contract for the registry of
// live watch sessions owned by this process.
type Repository interface {
	// Add registers ws. It fails if a session with the same ID exists.
	Add(ws *WatchSession) error

	// Get returns the session with the given ID.
	Get(id SessionID) (*WatchSession, bool)

	// Remove unregisters and returns the session. ok is false if it did
	// not exist, which callers treat as an idempotent no-op.
	Remove(id SessionID) (ws *WatchSession, ok bool)

	// List returns all sessions ordered by creation time.
	List() []*WatchSession

	// ActiveSessionCount returns the number of registered sessions.
	// Used for metrics.
	ActiveSessionCount() int
}

// ErrSessionExists is returned when adding a session whose ID is taken.
var ErrSessionExists = errors.New("session already exists")

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
type InMemoryRepository struct {
	mu       sync.RWMutex
	sessions map[SessionID]*WatchSession
}

// NewInMemoryRepository constructs an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{sessions: make(map[SessionID]*WatchSession)}
}

// Add implements Repository.Add.
func (r *InMemoryRepository) Add(ws *WatchSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[ws.ID]; exists {
		return ErrSessionExists
	}
	r.sessions[ws.ID] = ws
	return nil
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id SessionID) (*WatchSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ws, ok := r.sessions[id]
	return ws, ok
}

// Remove implements Repository.Remove.
func (r *InMemoryRepository) Remove(id SessionID) (*WatchSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return ws, ok
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []*WatchSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*WatchSession, 0, len(r.sessions))
	for _, ws := range r.sessions {
		out = append(out, ws)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveSessionCount implements Repository.ActiveSessionCount.
func (r *InMemoryRepository) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
