package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/locallm/gateway/internal/domain"
)

// sessionTTL bounds how long an idle session is kept around after its
// access token expires, before the sweep reclaims it. A session that is
// still being refreshed never hits this — only an abandoned one does.
const sessionTTL = 30 * 24 * time.Hour

// MemoryStore is the default, single-process Session Store, grounded on
// ratelimit.MemoryLimiter's map-plus-sweep-goroutine shape.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]entry
	stopCh      chan struct{}
	cleanupDone chan struct{}
}

type entry struct {
	sess    domain.Session
	savedAt time.Time
}

// NewMemoryStore builds a MemoryStore and starts its background sweep.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		sessions:    make(map[string]entry),
		stopCh:      make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Create(_ context.Context, sess domain.Session) (domain.Session, error) {
	sess.ID = uuid.NewString()

	s.mu.Lock()
	s.sessions[sess.ID] = entry{sess: sess, savedAt: time.Now()}
	s.mu.Unlock()

	return sess, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return e.sess, nil
}

func (s *MemoryStore) Replace(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrNotFound
	}
	s.sessions[sess.ID] = entry{sess: sess, savedAt: time.Now()}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Stop() {
	close(s.stopCh)
	<-s.cleanupDone
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-sessionTTL)
	for id, e := range s.sessions {
		if e.sess.AccessExpiresAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}
