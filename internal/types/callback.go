// Package types contains small generic containers shared by sipcore packages.
package types

import (
	"iter"
	"slices"
	"sync"
)

// CallbackManager keeps an ordered list of callbacks.
// It is safe for concurrent use, the zero value is ready to use.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	cbs    []callback[T]
	nextID uint64
}

type callback[T any] struct {
	id uint64
	cb T
}

// Len returns number of registered callbacks.
func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cbs)
}

// Add registers the callback and returns a function that unregisters it.
// The returned function is idempotent.
func (m *CallbackManager[T]) Add(cb T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.cbs = append(m.cbs, callback[T]{id, cb})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.cbs = slices.DeleteFunc(m.cbs, func(e callback[T]) bool { return e.id == id })
			m.mu.Unlock()
		})
	}
}

// All iterates over a snapshot of callbacks in registration order.
// The iteration runs without the lock held, so callbacks may add or remove callbacks.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		snapshot := slices.Clone(m.cbs)
		m.mu.RUnlock()

		for _, e := range snapshot {
			if !yield(e.cb) {
				return
			}
		}
	}
}
