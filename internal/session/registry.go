// Package session tracks live editing sessions, each owning one attachment
// engine. The registry is process-local: a restart loses open sessions and
// their staged files, which is acceptable since the sweep worker reclaims
// their temp objects.
package session

import (
	"errors"
	"sync"
	"time"

	"stagevault/internal/engine"
)

// ErrNotFound is returned for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// Session binds a token id to an actor and their engine instance.
type Session struct {
	ID        string
	ActorID   string
	Engine    *engine.Engine
	ExpiresAt time.Time
}

// Registry is a mutex-guarded map of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put registers a session.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Get returns a live session. Expired sessions are treated as missing and
// dropped.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(s.ExpiresAt) {
		r.Delete(id)
		return nil, ErrNotFound
	}
	return s, nil
}

// Delete drops a session from the registry.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// PurgeExpired removes every expired session and returns how many were
// dropped.
func (r *Registry) PurgeExpired() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for id, s := range r.sessions {
		if now.After(s.ExpiresAt) {
			delete(r.sessions, id)
			purged++
		}
	}
	return purged
}
