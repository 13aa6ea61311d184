// Package store implements the process-local cache backing all synchronized
// views. Entries carry a write timestamp and TTL; expired entries are evicted
// lazily on access rather than swept proactively.
package store

import (
	"path"
	"sync"
	"time"
)

// Clock abstracts time.Now for deterministic expiry tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Publisher receives change notifications for cache keys. Set and Invalidate
// both emit under the written key so subscribers can re-render.
type Publisher[V any] interface {
	Publish(key string, v V)
}

type entry[V any] struct {
	value     V
	writtenAt time.Time
	ttl       time.Duration
}

func (e entry[V]) expired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.After(e.writtenAt.Add(e.ttl))
}

// Option customises store construction.
type Option[V any] func(*Store[V])

// WithClock overrides the time source (primarily for tests).
func WithClock[V any](clock Clock) Option[V] {
	return func(s *Store[V]) {
		s.clock = clock
	}
}

// WithPublisher attaches a change publisher, typically a bus.Bus.
func WithPublisher[V any](pub Publisher[V]) Option[V] {
	return func(s *Store[V]) {
		s.pub = pub
	}
}

// Store is a key-value cache with per-entry TTL. Values are typed per logical
// resource; the composition root instantiates one store per payload shape so
// key/shape mismatches fail at compile time. No size bound is enforced:
// callers invalidate by pattern after writes.
type Store[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	clock   Clock
	pub     Publisher[V]
}

// New constructs an empty store.
func New[V any](opts ...Option[V]) *Store[V] {
	s := &Store[V]{
		entries: make(map[string]entry[V]),
		clock:   realClock{},
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.clock == nil {
		s.clock = realClock{}
	}

	return s
}

// Set writes value under key with the given TTL and notifies subscribers.
// ttl <= 0 means the entry never expires.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = entry[V]{
		value:     value,
		writtenAt: s.clock.Now(),
		ttl:       ttl,
	}
	s.mu.Unlock()

	if s.pub != nil {
		s.pub.Publish(key, value)
	}
}

// Get returns the cached value for key. A key that was never set and a key
// whose entry expired are indistinguishable to the caller; expired entries
// are removed on access.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if e.expired(s.clock.Now()) {
		delete(s.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Invalidate removes every entry whose key matches keyOrPattern and notifies
// subscribers of each removed key with the zero value. Patterns use
// path.Match syntax ("creator/*/posts"); a literal key removes exactly that
// entry.
func (s *Store[V]) Invalidate(keyOrPattern string) int {
	s.mu.Lock()
	removed := make([]string, 0, 1)
	if _, ok := s.entries[keyOrPattern]; ok {
		delete(s.entries, keyOrPattern)
		removed = append(removed, keyOrPattern)
	} else {
		for key := range s.entries {
			if matched, err := path.Match(keyOrPattern, key); err == nil && matched {
				delete(s.entries, key)
				removed = append(removed, key)
			}
		}
	}
	s.mu.Unlock()

	if s.pub != nil {
		var zero V
		for _, key := range removed {
			s.pub.Publish(key, zero)
		}
	}

	return len(removed)
}

// Len reports the number of entries currently held, including not yet evicted
// expired ones.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
