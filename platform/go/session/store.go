// Package session holds short-lived, explicitly-keyed per-user conversation
// state. Sessions are in-process only: loss on restart is acceptable and no
// durability guarantee is made.
package session

import (
	"sync"
	"time"
)

// Key identifies one user's session within one tenant.
type Key struct {
	TenantID string
	UserID   int64
}

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// Store is a TTL map of sessions. Expired entries are dropped lazily on
// access; no janitor goroutine is needed at this scale.
type Store[T any] struct {
	mu   sync.Mutex
	ttl  time.Duration
	data map[Key]entry[T]
	now  func() time.Time
}

// New builds a Store whose sessions live for ttl after their last write.
func New[T any](ttl time.Duration) *Store[T] {
	return &Store[T]{
		ttl:  ttl,
		data: make(map[Key]entry[T]),
		now:  time.Now,
	}
}

// Get returns the live session for key, if any.
func (s *Store[T]) Get(key Key) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		var zero T
		return zero, false
	}
	if s.now().After(e.expiresAt) {
		delete(s.data, key)
		var zero T
		return zero, false
	}
	return e.value, true
}

// Put stores the session, refreshing its TTL.
func (s *Store[T]) Put(key Key, value T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry[T]{value: value, expiresAt: s.now().Add(s.ttl)}
}

// Delete drops the session.
func (s *Store[T]) Delete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Len reports the number of stored entries, counting not-yet-collected
// expired ones; intended for tests and introspection.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
