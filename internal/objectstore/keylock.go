package objectstore

import "sync"

// keyLocks stripes a mutex per (serial, key) so upserts to the same
// object are serialized while unrelated objects proceed concurrently.
// Grounded on the map-of-mutex pattern used for per-watcher state in
// the connection-status tracker this codebase's server loop is built
// from: a plain map guarded by a single Mutex, entries created
// lazily and never purged (device key cardinality is bounded by fleet
// size, not request volume).
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

// lock returns the mutex for key, creating it if necessary, and locks it.
// The returned unlock function must be called exactly once.
func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
