package snapshot

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory snapshot store for tests and embedded use.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Keep only the newest snapshot per aggregate.
	if existing, ok := s.snaps[snap.AggregateID]; ok && existing.Sequence > snap.Sequence {
		return nil
	}
	s.snaps[snap.AggregateID] = snap
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, aggregateID string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[aggregateID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, aggregateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, aggregateID)
	return nil
}
