// Package bus implements a synchronous per-key publish/subscribe registry.
// Cache writes fan out through it so views observing the same resource stay
// consistent without polling.
package bus

import "sync"

// Bus delivers published values to every subscriber of the matching key.
// Publish is synchronous: all current subscribers run before it returns. With
// small subscriber counts this keeps delivery ordering trivial to reason
// about; a slow subscriber delays the publisher.
type Bus[V any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]func(V)
}

// New constructs an empty bus.
func New[V any]() *Bus[V] {
	return &Bus[V]{
		subs: make(map[string]map[uint64]func(V)),
	}
}

// Subscribe registers fn for key and returns its release function. The
// release function is idempotent and safe to call from any exit path,
// including from inside a delivery callback.
func (b *Bus[V]) Subscribe(key string, fn func(V)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	set, ok := b.subs[key]
	if !ok {
		set = make(map[uint64]func(V))
		b.subs[key] = set
	}
	set[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		set, ok := b.subs[key]
		if !ok {
			return
		}
		delete(set, id)
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
}

// Publish delivers v to every current subscriber of key. Callbacks run
// outside the registry lock, so a callback may subscribe or unsubscribe
// without deadlocking.
func (b *Bus[V]) Publish(key string, v V) {
	b.mu.Lock()
	set := b.subs[key]
	callbacks := make([]func(V), 0, len(set))
	for _, fn := range set {
		callbacks = append(callbacks, fn)
	}
	b.mu.Unlock()

	for _, fn := range callbacks {
		fn(v)
	}
}

// SubscriberCount reports how many callbacks are registered for key.
func (b *Bus[V]) SubscriberCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}
