package lock

import (
	"context"
	"sync"
)

type memoryEntry struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker is an in-process Locker for single-node deployments and tests.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*memoryEntry)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &memoryEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return &memoryLease{locker: l, key: key, entry: e}, nil
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}
}

func (l *MemoryLocker) unref(key string, e *memoryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	entry  *memoryEntry
	once   sync.Once
}

func (m *memoryLease) Release(context.Context) error {
	m.once.Do(func() {
		<-m.entry.ch
		m.locker.unref(m.key, m.entry)
	})
	return nil
}
