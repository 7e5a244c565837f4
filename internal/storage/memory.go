package storage

import (
	"context"
	"sync"
)

type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string)}
}

func (m *MemoryStorage) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStorage) Write(_ context.Context, batch Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range batch.Set {
		m.data[k] = v
	}
	for _, k := range batch.Delete {
		delete(m.data, k)
	}
	return nil
}
