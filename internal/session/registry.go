// Package session implements the process-wide session registry.
//
// The registry is the only owner of session state. Connection handlers hold
// a token and ask the registry about it on every command; they never keep a
// pointer into the map. Every read and write goes through one mutex, and
// nothing slow (store or network I/O) happens while it is held.
//
// Sessions idle for longer than the configured TTL are reaped in the
// background, the same way a time-bounded cache expires entries.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// minReapInterval bounds how often the reaper wakes for very short TTLs.
const minReapInterval = time.Millisecond

// Session is a snapshot of one authenticated session.
type Session struct {
	Token     string
	OwnerID   string
	CreatedAt time.Time
	LastSeen  time.Time
}

// Registry maps session tokens to owners.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRegistry creates a Registry. A ttl of zero disables idle expiry.
func NewRegistry(ttl time.Duration) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if ttl > 0 {
		go r.reap()
	}
	return r
}

// Create starts a session for ownerID and returns it with a fresh token.
func (r *Registry) Create(ownerID string) (Session, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Session{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	s := &Session{Token: id.String(), OwnerID: ownerID, CreatedAt: now, LastSeen: now}
	r.sessions[s.Token] = s
	return *s, nil
}

// Lookup returns the session for token and marks it as active.
// Expired sessions are removed and reported as absent.
func (r *Registry) Lookup(token string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return Session{}, false
	}
	now := r.now()
	if r.expired(s, now) {
		delete(r.sessions, token)
		return Session{}, false
	}
	s.LastSeen = now
	return *s, true
}

// Revoke removes token. It reports whether the token was present.
func (r *Registry) Revoke(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[token]
	delete(r.sessions, token)
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// OwnerSessions returns how many live sessions belong to ownerID.
func (r *Registry) OwnerSessions(ownerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.OwnerID == ownerID {
			n++
		}
	}
	return n
}

// Close stops the background reaper.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Registry) expired(s *Session, now time.Time) bool {
	return r.ttl > 0 && now.Sub(s.LastSeen) > r.ttl
}

// reap periodically removes idle sessions to bound memory usage.
func (r *Registry) reap() {
	interval := r.ttl / 2
	if interval < minReapInterval {
		interval = minReapInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.mu.Lock()
			now := r.now()
			for token, s := range r.sessions {
				if r.expired(s, now) {
					delete(r.sessions, token)
				}
			}
			r.mu.Unlock()
		}
	}
}
