// Package namelist implements the gateway's in-memory name caches. A
// Namelist is the shared, ordered set of names under one scope (a user's
// bucket names, or a bucket's object names). A Registry hands out Namelists
// by scope with reference counting: the first Ref loads the names from the
// backend exactly once, later Refs share the same instance, and the entry
// is evicted when the last holder calls Unref.
//
// Mutations write through: callers update the backend first and only then
// the Namelist, so a live list always reflects the backend as observed
// through this gateway.
package namelist

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/baotiao/zeppelin-gateway/internal/store"
)

// Namelist is an ordered set of names guarded by its own lock. All methods
// are safe for concurrent use; Range holds the lock for the whole
// iteration so callers observe a consistent snapshot.
type Namelist struct {
	mu    sync.Mutex
	names []string // sorted ascending
}

// New returns a Namelist seeded with the given names.
func New(names ...string) *Namelist {
	n := &Namelist{}
	n.reset(names)
	return n
}

func (n *Namelist) reset(names []string) {
	sorted := make([]string, 0, len(names))
	sorted = append(sorted, names...)
	sort.Strings(sorted)
	// Drop duplicates so Insert/Delete bookkeeping stays exact.
	uniq := sorted[:0]
	for i, name := range sorted {
		if i > 0 && name == sorted[i-1] {
			continue
		}
		uniq = append(uniq, name)
	}
	n.names = uniq
}

// Insert adds name to the set. Inserting an existing name is a no-op.
func (n *Namelist) Insert(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	i := sort.SearchStrings(n.names, name)
	if i < len(n.names) && n.names[i] == name {
		return
	}
	n.names = append(n.names, "")
	copy(n.names[i+1:], n.names[i:])
	n.names[i] = name
}

// Delete removes name from the set. Deleting an absent name is a no-op.
func (n *Namelist) Delete(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	i := sort.SearchStrings(n.names, name)
	if i >= len(n.names) || n.names[i] != name {
		return
	}
	n.names = append(n.names[:i], n.names[i+1:]...)
}

// IsExist reports whether name is in the set.
func (n *Namelist) IsExist(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	i := sort.SearchStrings(n.names, name)
	return i < len(n.names) && n.names[i] == name
}

// IsEmpty reports whether the set has no names.
func (n *Namelist) IsEmpty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.names) == 0
}

// Len returns the number of names in the set.
func (n *Namelist) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.names)
}

// Range calls fn for every name in ascending order while holding the list
// lock, so concurrent mutations wait until the iteration finishes. It stops
// at the first error and returns it.
func (n *Namelist) Range(fn func(name string) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, name := range n.names {
		if err := fn(name); err != nil {
			return err
		}
	}
	return nil
}

// LoadFunc enumerates the backend names of one scope through the caller's
// session.
type LoadFunc func(ctx context.Context, s store.Store, scope string) ([]string, error)

// entry tracks one scope's shared list. ready is closed once the initial
// load finishes; err holds the load failure, in which case the entry has
// already been discarded from the registry.
type entry struct {
	list  *Namelist
	refs  int
	ready chan struct{}
	err   error
}

// Registry hands out refcounted Namelists keyed by scope.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	load    LoadFunc
}

// NewRegistry returns a registry whose first Ref of each scope populates
// the list via load.
func NewRegistry(load LoadFunc) *Registry {
	return &Registry{entries: make(map[string]*entry), load: load}
}

// Ref returns the shared Namelist for scope, incrementing its refcount. On
// the 0->1 transition the names are loaded from the backend through s;
// concurrent Refs for the same scope wait for that single load instead of
// issuing their own. A failed load installs nothing and the error is
// returned to every waiter, so a later Ref retries.
func (r *Registry) Ref(ctx context.Context, s store.Store, scope string) (*Namelist, error) {
	r.mu.Lock()
	if e, ok := r.entries[scope]; ok {
		e.refs++
		r.mu.Unlock()
		<-e.ready
		if e.err != nil {
			return nil, e.err
		}
		return e.list, nil
	}

	e := &entry{list: New(), refs: 1, ready: make(chan struct{})}
	r.entries[scope] = e
	r.mu.Unlock()

	names, err := r.load(ctx, s, scope)

	r.mu.Lock()
	if err != nil {
		e.err = fmt.Errorf("load namelist %q: %w", scope, err)
		delete(r.entries, scope)
		r.mu.Unlock()
		close(e.ready)
		return nil, e.err
	}
	e.list.reset(names)
	r.mu.Unlock()
	close(e.ready)
	return e.list, nil
}

// Unref drops one reference to scope. On the 1->0 transition the entry is
// evicted; mutations were already written through, so nothing is flushed.
// Unref of a scope with no live entry is an error.
func (r *Registry) Unref(scope string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[scope]
	if !ok {
		return fmt.Errorf("unref of unreferenced namelist %q", scope)
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.entries, scope)
	}
	return nil
}

// Entries reports how many scopes currently have a live list. Used by the
// status endpoint and by tests asserting ref balance.
func (r *Registry) Entries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
