package scansession

import (
	"fmt"
	"sync"
	"time"

	"github.com/BearBump/HandoffBox/internal/apperrors"
)

type entry struct {
	s         *Session
	expiresAt time.Time
}

// Registry keeps live sessions in process memory. A session is visible only
// to the actor that started it; other actors see NotFound.
type Registry struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]entry
}

func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Registry{
		ttl:      ttl,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]entry),
	}
}

func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = entry{s: s, expiresAt: r.now().Add(r.ttl)}
}

// Get returns the session and extends its lifetime.
func (r *Registry) Get(id, actorRef string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	now := r.now()
	if ok && now.After(e.expiresAt) {
		delete(r.sessions, id)
		ok = false
	}
	if !ok || e.s.ActorRef != actorRef {
		return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("session %s not found", id))
	}
	e.expiresAt = now.Add(r.ttl)
	r.sessions[id] = e
	return e.s, nil
}

// Take removes the session and returns it. Used by commit and cancel.
func (r *Registry) Take(id, actorRef string) (*Session, error) {
	s, err := r.Get(id, actorRef)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		// параллельный Take успел раньше
		return nil, apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("session %s not found", id))
	}
	delete(r.sessions, id)
	return s, nil
}

// Sweep drops expired sessions and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for id, e := range r.sessions {
		if now.After(e.expiresAt) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
