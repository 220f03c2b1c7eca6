package readmodel

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ledgerline-systems/ledgerline/internal/checkpoint"
)

type recordKey struct {
	namespace string
	id        string
}

type counterKey struct {
	namespace string
	counter   string
	shard     string
}

type counterShard struct {
	value   int64
	lastSeq uint64
}

// MemoryStore is an in-memory Store for tests and embedded use. Commits are
// atomic with respect to readers: mutations and the checkpoint advance are
// applied under one lock, or not at all.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[recordKey]Record
	counters    map[counterKey]counterShard
	checkpoints *checkpoint.MemoryStore
}

// NewMemoryStore creates a read-model store that commits checkpoints into
// cps. Pass the same MemoryStore the engine and token service read from.
func NewMemoryStore(cps *checkpoint.MemoryStore) *MemoryStore {
	return &MemoryStore{
		records:     make(map[recordKey]Record),
		counters:    make(map[counterKey]counterShard),
		checkpoints: cps,
	}
}

type memoryTx struct {
	store    *MemoryStore
	records  map[recordKey]Record
	counters map[counterKey]counterShard
}

// Get implements Tx.
func (tx *memoryTx) Get(ctx context.Context, namespace, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	r, ok := tx.lookupRecord(recordKey{namespace, id})
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

// Upsert implements Tx.
func (tx *memoryTx) Upsert(ctx context.Context, namespace, id string, data json.RawMessage, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := recordKey{namespace, id}
	if existing, ok := tx.lookupRecord(k); ok && existing.LastSeq >= seq {
		return nil
	}
	cloned := make(json.RawMessage, len(data))
	copy(cloned, data)
	tx.records[k] = Record{ID: id, Data: cloned, LastSeq: seq}
	return nil
}

// AddCounter implements Tx.
func (tx *memoryTx) AddCounter(ctx context.Context, namespace, counter, shard string, delta int64, seq uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := counterKey{namespace, counter, shard}
	current, _ := tx.lookupCounter(k)
	if current.lastSeq >= seq {
		return nil
	}
	tx.counters[k] = counterShard{value: current.value + delta, lastSeq: seq}
	return nil
}

func (tx *memoryTx) lookupRecord(k recordKey) (Record, bool) {
	if r, ok := tx.records[k]; ok {
		return r, true
	}
	r, ok := tx.store.records[k]
	return r, ok
}

func (tx *memoryTx) lookupCounter(k counterKey) (counterShard, bool) {
	if c, ok := tx.counters[k]; ok {
		return c, true
	}
	c, ok := tx.store.counters[k]
	return c, ok
}

// RunInTx implements Store.
func (s *MemoryStore) RunInTx(ctx context.Context, cp checkpoint.Checkpoint, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:    s,
		records:  make(map[recordKey]Record),
		counters: make(map[counterKey]counterShard),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := s.checkpoints.Advance(cp.Projection, cp.Partition, cp.Position); err != nil {
		return err
	}
	for k, r := range tx.records {
		s.records[k] = r
	}
	for k, c := range tx.counters {
		s.counters[k] = c
	}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, namespace, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordKey{namespace, id}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

// CounterValue implements Store.
func (s *MemoryStore) CounterValue(ctx context.Context, namespace, counter string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for k, c := range s.counters {
		if k.namespace == namespace && k.counter == counter {
			total += c.value
		}
	}
	return total, nil
}

// NamespaceStats implements Store.
func (s *MemoryStore) NamespaceStats(ctx context.Context, namespace string) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats Stats
	for k, r := range s.records {
		if k.namespace == namespace {
			stats.Records++
			stats.Checksum ^= recordDigest(r.ID, r.LastSeq, r.Data)
		}
	}
	return stats, nil
}

// DropNamespace implements Store.
func (s *MemoryStore) DropNamespace(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.records {
		if k.namespace == namespace {
			delete(s.records, k)
		}
	}
	for k := range s.counters {
		if k.namespace == namespace {
			delete(s.counters, k)
		}
	}
	return nil
}
