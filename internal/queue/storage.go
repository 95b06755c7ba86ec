package queue

import (
	"context"
	"sync"

	"github.com/ashureev/streamchat/internal/shared"
)

// Storage is a key-value slot store the queue persists into. Set returns
// an error wrapping shared.ErrQuotaExceeded when the value does not fit.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// MemoryStorage is an in-process Storage with an optional byte quota.
type MemoryStorage struct {
	mu    sync.Mutex
	data  map[string][]byte
	quota int
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty store. A quota <= 0 means unlimited.
func NewMemoryStorage(quota int) *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte), quota: quota}
}

// Get implements Storage.
func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Set implements Storage.
func (m *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quota > 0 {
		used := 0
		for k, v := range m.data {
			if k != key {
				used += len(k) + len(v)
			}
		}
		if used+len(key)+len(value) > m.quota {
			return shared.ErrQuotaExceeded
		}
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

// Delete implements Storage.
func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
