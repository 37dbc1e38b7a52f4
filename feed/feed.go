// Package feed delivers full snapshots of a collection to persistent subscribers.
package feed

import "sync"

// Subscription is a registered observer.
type Subscription interface {
	Unsubscribe()
}

// Feed holds the current snapshot of a collection. The zero value is an
// empty feed ready for use.
//
// Deliveries reach every subscriber in publication order, so the last one a
// subscriber saw is always the current snapshot. The goroutine that finds no
// delivery in progress makes all pending deliveries; a Publish or Subscribe
// racing it, or made from within a subscriber, only queues its own.
type Feed[T any] struct {
	mu       sync.Mutex
	current  []T
	nextId   uint64
	subs     map[uint64]func([]T)
	pending  []delivery[T]
	draining bool
}

type delivery[T any] struct {
	id       uint64
	snapshot []T
}

// Publish replaces the snapshot and hands a copy of it to every subscriber.
func (f *Feed[T]) Publish(snapshot []T) {
	f.mu.Lock()
	f.current = append([]T(nil), snapshot...)
	for id := range f.subs {
		f.pending = append(f.pending, delivery[T]{id: id, snapshot: f.current})
	}
	f.drainLocked()
}

// Subscribe registers fn and delivers the current snapshot, which may be
// empty, before any later publication.
func (f *Feed[T]) Subscribe(fn func([]T)) Subscription {
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[uint64]func([]T))
	}
	id := f.nextId
	f.nextId++
	f.subs[id] = fn
	f.pending = append(f.pending, delivery[T]{id: id, snapshot: f.current})
	f.drainLocked()

	return &subscription{unsubscribe: func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}}
}

// drainLocked is called with f.mu held and releases it.
func (f *Feed[T]) drainLocked() {
	if f.draining {
		f.mu.Unlock()
		return
	}
	f.draining = true

	for len(f.pending) > 0 {
		next := f.pending[0]
		f.pending[0] = delivery[T]{}
		f.pending = f.pending[1:]
		fn, subscribed := f.subs[next.id]
		f.mu.Unlock()

		if subscribed {
			fn(append([]T(nil), next.snapshot...))
		}

		f.mu.Lock()
	}

	f.draining = false
	f.mu.Unlock()
}

// Snapshot returns a copy of the current collection.
func (f *Feed[T]) Snapshot() []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]T(nil), f.current...)
}

type subscription struct {
	once        sync.Once
	unsubscribe func()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(s.unsubscribe)
}
