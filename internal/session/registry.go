package session

import (
	"errors"
	"sync"
)

var (
	ErrDuplicateSession = errors.New("session: session key already active")
	ErrSessionNotFound  = errors.New("session: not found")
)

// Registry owns every live CallSession, keyed by session key. It replaces
// the "current call" singleton of the source design with explicit
// create/lookup/destroy operations.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*CallSession
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*CallSession)}
}

// Register adds a session. A second session under the same key is refused;
// the old attempt must be destroyed first.
func (r *Registry) Register(s *CallSession) error {
	if s == nil || s.SessionKey == "" {
		return errors.New("session: nil session or empty key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.SessionKey]; ok {
		return ErrDuplicateSession
	}
	r.sessions[s.SessionKey] = s
	return nil
}

func (r *Registry) Lookup(sessionKey string) (*CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Destroy removes a session. Removing an unknown key is a no-op so teardown
// paths can call it unconditionally.
func (r *Registry) Destroy(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionKey)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
