// Package keylock provides a registry of named mutexes so balance
// mutations for the same user and asset serialize without a single
// global lock across all wallets.
package keylock

import "sync"

// Registry hands out one mutex per key. Mutexes are created lazily and
// kept for the life of the registry; the key space (user x asset) is
// small enough that eviction is not worth the bookkeeping.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

// Acquire locks the mutex for key and returns an unlock function.
func (r *Registry) Acquire(key string) (release func()) {
	r.mu.Lock()
	m, ok := r.locks[key]
	if !ok {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}
