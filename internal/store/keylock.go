// ABOUTME: Reference-counted keyed mutex for per-(user, chat) exclusive sections
// ABOUTME: Entries are created on demand and released when the last holder unlocks

package store

import "sync"

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex serializes work per Key while letting different keys proceed
// in parallel. The zero value is ready to use.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[Key]*keyedEntry
}

// Lock blocks until the section for key is held and returns its release func.
func (k *KeyedMutex) Lock(key Key) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[Key]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len reports how many keys currently have holders or waiters.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
