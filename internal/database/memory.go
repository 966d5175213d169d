package database

import (
	"context"
	"sync"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process Store. Entries never expire on their own;
// the caches layered on top handle TTLs.
type MemoryStore struct {
	mu       sync.Mutex
	items    *gocache.Cache
	maxBytes int64
}

// NewMemoryStore creates an empty in-memory store. A positive maxBytes caps
// the total size of stored values.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	return &MemoryStore{
		// No cleanup interval: no janitor goroutine is started.
		items:    gocache.New(gocache.NoExpiration, 0),
		maxBytes: maxBytes,
	}
}

func memoryKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// Get returns the value stored under namespace/key.
func (m *MemoryStore) Get(_ context.Context, namespace, key string) ([]byte, error) {
	v, ok := m.items.Get(memoryKey(namespace, key))
	if !ok {
		return nil, ErrNotFound
	}
	stored := v.([]byte)
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

// Put stores a copy of value under namespace/key.
func (m *MemoryStore) Put(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memoryKey(namespace, key)
	if m.maxBytes > 0 && m.usedExcluding(k)+int64(len(value)) > m.maxBytes {
		return ErrQuotaExceeded
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.items.Set(k, stored, gocache.NoExpiration)
	return nil
}

func (m *MemoryStore) usedExcluding(k string) int64 {
	var used int64
	for key, item := range m.items.Items() {
		if key == k {
			continue
		}
		used += int64(len(item.Object.([]byte)))
	}
	return used
}

// Delete removes namespace/key.
func (m *MemoryStore) Delete(_ context.Context, namespace, key string) error {
	m.items.Delete(memoryKey(namespace, key))
	return nil
}

// Clear removes all entries.
func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items.Flush()
	return nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	return m.items.ItemCount()
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
