package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one client session, identified by an opaque UUID. Sessions
// exist for request correlation and audit logging; they carry no
// authentication weight.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Registry tracks live client sessions with idle expiry.
type Registry struct {
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	// now is a test hook.
	now func() time.Time
}

// NewRegistry returns a registry expiring sessions idle longer than ttl.
// ttl <= 0 disables expiry.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Start creates a new session.
func (r *Registry) Start() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s := &Session{ID: uuid.NewString(), CreatedAt: now, LastSeen: now}
	r.sessions[s.ID] = s
	return s
}

// Touch marks the session active and returns it. An unknown or expired
// ID returns false; expired sessions are removed on the way out.
func (r *Registry) Touch(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	now := r.now()
	if r.ttl > 0 && now.Sub(s.LastSeen) > r.ttl {
		delete(r.sessions, id)
		return nil, false
	}
	s.LastSeen = now
	return s, true
}

// End removes a session.
func (r *Registry) End(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Sweep removes every expired session and returns how many were dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ttl <= 0 {
		return 0
	}
	now := r.now()
	dropped := 0
	for id, s := range r.sessions {
		if now.Sub(s.LastSeen) > r.ttl {
			delete(r.sessions, id)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
