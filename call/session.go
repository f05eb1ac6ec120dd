package call

import (
	"sync"

	"github.com/adwski/callsig/model"
)

// Store holds the single call session snapshot and publishes replacements to
// subscribers. Snapshots are immutable from the consumer's perspective:
// every transition swaps the whole value.
type Store struct {
	mu   sync.RWMutex
	cur  model.Session
	subs map[int]func(model.Session)
	next int
}

func NewStore() *Store {
	return &Store{
		subs: make(map[int]func(model.Session)),
	}
}

// Get returns the current snapshot.
func (s *Store) Get() model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Replace swaps the snapshot and notifies subscribers in the caller's
// goroutine, preserving transition order.
func (s *Store) Replace(sess model.Session) {
	s.mu.Lock()
	s.cur = sess
	fns := make([]func(model.Session), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(sess)
	}
}

// Reset returns the session to the inactive default.
func (s *Store) Reset() {
	s.Replace(model.Session{})
}

// Subscribe registers a snapshot observer; the returned func removes it.
func (s *Store) Subscribe(fn func(model.Session)) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
