package session

import (
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

// NewID returns a new globally unique session id.
func NewID() string {
	return "sess-" + xid.New().String()
}

// Registry tracks the live sessions hosted by this process.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	log.Debug().Str("sessionId", s.ID()).Msg("Session registered")
}

// Remove deregisters a session by id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	log.Debug().Str("sessionId", id).Msg("Session deregistered")
}

// Get returns the session with the given id, if registered.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll ends every registered session. Used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.End()
	}
	log.Info().Int("count", len(sessions)).Msg("All sessions ended")
}
