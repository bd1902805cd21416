package rsvp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type session struct {
	view    *View
	expires time.Time
}

// Sessions holds live views by session id. Idle views expire after ttl and
// are closed.
type Sessions struct {
	mu    sync.Mutex
	views map[string]*session
	ttl   time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

// NewSessions creates an empty registry
func NewSessions(ttl time.Duration, log zerolog.Logger) *Sessions {
	return &Sessions{
		views: make(map[string]*session),
		ttl:   ttl,
		now:   time.Now,
		log:   log.With().Str("component", "Sessions").Logger(),
	}
}

// Add registers v and returns its session id
func (s *Sessions) Add(v *View) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.views[id] = &session{view: v, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return id
}

// Get returns the view for id if it is bound to qrID and has not expired.
// A hit extends the expiry.
func (s *Sessions) Get(id, qrID string) (*View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.views[id]
	if !ok || sess.view.QRID() != qrID {
		return nil, false
	}
	now := s.now()
	if now.After(sess.expires) || sess.view.Closed() {
		delete(s.views, id)
		sess.view.Close()
		return nil, false
	}
	sess.expires = now.Add(s.ttl)
	return sess.view, true
}

// Remove closes and forgets the view
func (s *Sessions) Remove(id string) bool {
	s.mu.Lock()
	sess, ok := s.views[id]
	delete(s.views, id)
	s.mu.Unlock()
	if ok {
		sess.view.Close()
	}
	return ok
}

// Len is the number of registered views
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}

// Sweep closes expired views and returns how many were removed
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, sess := range s.views {
		if now.After(sess.expires) || sess.view.Closed() {
			sess.view.Close()
			delete(s.views, id)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done, then closes all views
func (s *Sessions) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.CloseAll()
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.Debug().Int("expired", n).Msg("Expired sessions removed")
			}
		}
	}
}

// CloseAll closes and forgets every view
func (s *Sessions) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.views {
		sess.view.Close()
		delete(s.views, id)
	}
}
