package engine

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex serializes callers per string key. Entries are reference counted
// and removed once the last holder releases, so the map stays bounded by the
// number of in-flight operations.
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]*lockEntry
}

// lock blocks until the key is free and returns the release function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.held == nil {
		k.held = make(map[string]*lockEntry)
	}
	e := k.held[key]
	if e == nil {
		e = &lockEntry{}
		k.held[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}
