package syncutil

import "sync"

// KeyMutex serializes callers by key.
// Mutexes are reference counted and dropped once no caller holds or waits for them.
type KeyMutex[K comparable] struct {
	mu   sync.Mutex
	keys map[K]*keyMutexEntry
}

type keyMutexEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires a mutex for the given key.
// Returns a function that releases the mutex.
func (km *KeyMutex[K]) Lock(key K) (unlock func()) {
	km.mu.Lock()
	if km.keys == nil {
		km.keys = make(map[K]*keyMutexEntry)
	}
	e, ok := km.keys[key]
	if !ok {
		e = new(keyMutexEntry)
		km.keys[key] = e
	}
	e.refs++
	km.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			km.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(km.keys, key)
			}
			km.mu.Unlock()
		})
	}
}

// Len returns number of keys currently locked or awaited.
func (km *KeyMutex[K]) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.keys)
}
