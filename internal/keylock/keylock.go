// Package keylock provides a registry of named mutexes used to serialize
// operations on individual objects. Locks are created lazily on first use
// and reaped as soon as no goroutine holds or waits on them, so the
// registry's size is bounded by the number of in-flight object operations
// rather than the number of objects ever touched.
package keylock

import "sync"

// entry is one named lock. refs counts the holder plus all waiters; the
// entry is removed from the registry when refs drops to zero.
type entry struct {
	mu   sync.Mutex
	refs int
}

// Registry maps keys to lazily created mutexes.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewRegistry returns an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key, creating it if absent. It blocks until
// the mutex is available. Every Lock must be paired with exactly one Unlock
// for the same key.
func (r *Registry) Lock(key string) {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		e = &entry{}
		r.locks[key] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. The entry is dropped from the registry
// once no goroutine holds or waits on it. Unlock of a key that was never
// locked panics, mirroring sync.Mutex semantics.
func (r *Registry) Unlock(key string) {
	r.mu.Lock()
	e, ok := r.locks[key]
	if !ok {
		r.mu.Unlock()
		panic("keylock: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(r.locks, key)
	}
	r.mu.Unlock()

	e.mu.Unlock()
}

// Len reports how many keys currently have a live lock entry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
