package auditor

import (
	"context"
	"sync"
)

// Store persists pending trees so an auditor can resume them after a restart. Calls come
// from every shard of an auditor concurrently.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, root string) error
	Load(ctx context.Context) ([]Record, error)
	Close() error
}

// MemoryStore keeps pending trees in the process. It survives an auditor Stop/Start but not
// the loss of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	s.records[rec.Root] = rec
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, root string) error {
	s.mu.Lock()
	delete(s.records, root)
	s.mu.Unlock()
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

// Len returns the number of stored trees.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
