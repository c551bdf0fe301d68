// Package keymutex provides mutual exclusion per int64 key.
package keymutex

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyMutex serializes callers that share a key while letting different keys proceed.
// Entries are released once no caller holds or waits for them.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

// New creates an empty KeyMutex
func New() *KeyMutex {
	return &KeyMutex{entries: make(map[int64]*entry)}
}

// Lock acquires the lock for key and returns its unlock function
func (k *KeyMutex) Lock(key int64) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently held or awaited
func (k *KeyMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
