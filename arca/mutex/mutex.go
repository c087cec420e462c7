package mutex

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // holds one token while the key is locked
	refs int
}

// KeyedMutex is a set of exclusive locks addressed by key. Entries exist only while someone
// holds or waits for the key.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	table map[K]*entry
}

func (m *KeyedMutex[K]) get(key K) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table == nil {
		m.table = make(map[K]*entry)
	}
	e, ok := m.table[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.table[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex[K]) put(key K, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.table, key)
	}
}

// Lock waits for key, giving up when ctx is done.
func (m *KeyedMutex[K]) Lock(ctx context.Context, key K) error {
	e := m.get(key)
	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.put(key, e)
		return ctx.Err()
	}
}

func (m *KeyedMutex[K]) TryLock(key K) bool {
	e := m.get(key)
	select {
	case e.ch <- struct{}{}:
		return true
	default:
		m.put(key, e)
		return false
	}
}

// Unlock releases key. Unlocking a key that is not locked panics, like sync.Mutex.
func (m *KeyedMutex[K]) Unlock(key K) {
	m.mu.Lock()
	e, ok := m.table[key]
	m.mu.Unlock()
	if !ok {
		panic("mutex: unlock of unlocked key")
	}
	select {
	case <-e.ch:
	default:
		panic("mutex: unlock of unlocked key")
	}
	m.put(key, e)
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}
