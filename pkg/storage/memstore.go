package storage

import (
	"context"
	"sync"
)

// MemStore is the in-memory Store implementation — the testing default
// per the Storage indirection design note.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string][]byte)}
}

func (m *MemStore) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.data[collection]
	if !ok {
		return nil, false, nil
	}
	v, ok := bucket[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemStore) Set(_ context.Context, collection, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[collection]
	if !ok {
		bucket = make(map[string][]byte)
		m.data[collection] = bucket
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	bucket[key] = stored
	return nil
}

func (m *MemStore) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bucket, ok := m.data[collection]; ok {
		delete(bucket, key)
	}
	return nil
}

func (m *MemStore) List(_ context.Context, collection string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket := m.data[collection]
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemStore) Has(_ context.Context, collection, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.data[collection]
	if !ok {
		return false, nil
	}
	_, ok = bucket[key]
	return ok, nil
}

func (m *MemStore) Count(_ context.Context, collection string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[collection]), nil
}

func (m *MemStore) Clear(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, collection)
	return nil
}
