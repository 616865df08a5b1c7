package labqc

import (
	"context"
	"sync"
)

type memoryAssociationStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryAssociationStore returns a process-local store. Entries do not
// survive a restart.
func NewMemoryAssociationStore() AssociationStore {
	return &memoryAssociationStore{entries: make(map[string][]byte)}
}

func (m *memoryAssociationStore) Get(_ context.Context, recordID string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.entries[recordID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), raw...), true, nil
}

func (m *memoryAssociationStore) Set(_ context.Context, recordID string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[recordID] = append([]byte(nil), raw...)
	return nil
}

func (m *memoryAssociationStore) Delete(_ context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, recordID)
	return nil
}
