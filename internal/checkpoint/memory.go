package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type leaseKey struct {
	projection string
	partition  int
}

type lease struct {
	owner   string
	expires time.Time
}

// MemoryStore is an in-memory checkpoint store for tests and embedded use.
// The read-model memory store advances checkpoints through Advance so both
// sides observe one consistent commit.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[leaseKey]uint64
	leases    map[leaseKey]lease
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[leaseKey]uint64),
		leases:    make(map[leaseKey]lease),
		now:       time.Now,
	}
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, projection string, partition int) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[leaseKey{projection, partition}], nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, projection string) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Checkpoint
	for k, pos := range s.positions {
		if k.projection == projection {
			out = append(out, Checkpoint{Projection: k.projection, Partition: k.partition, Position: pos})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(ctx context.Context, projection string, partition int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, leaseKey{projection, partition})
	return nil
}

// Advance moves the checkpoint forward. Positions are monotone: moving
// backwards is rejected.
func (s *MemoryStore) Advance(projection string, partition int, position uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := leaseKey{projection, partition}
	if current := s.positions[k]; position < current {
		return fmt.Errorf("checkpoint %s/%d would move backwards: %d < %d",
			projection, partition, position, current)
	}
	s.positions[k] = position
	return nil
}

// AcquireLease implements Store.
func (s *MemoryStore) AcquireLease(ctx context.Context, projection string, partition int, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := leaseKey{projection, partition}
	if l, ok := s.leases[k]; ok && l.owner != owner && l.expires.After(s.now()) {
		return false, nil
	}
	s.leases[k] = lease{owner: owner, expires: s.now().Add(ttl)}
	return true, nil
}

// RenewLease implements Store.
func (s *MemoryStore) RenewLease(ctx context.Context, projection string, partition int, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := leaseKey{projection, partition}
	l, ok := s.leases[k]
	if !ok || l.owner != owner {
		return false, nil
	}
	s.leases[k] = lease{owner: owner, expires: s.now().Add(ttl)}
	return true, nil
}

// ReleaseLease implements Store.
func (s *MemoryStore) ReleaseLease(ctx context.Context, projection string, partition int, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := leaseKey{projection, partition}
	if l, ok := s.leases[k]; ok && l.owner == owner {
		delete(s.leases, k)
	}
	return nil
}
