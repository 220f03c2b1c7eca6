package eventstore

import (
	"context"
	"sync"

	"github.com/ledgerline-systems/ledgerline/internal/envelope"
)

// MemoryStore is an in-memory Store used in tests and embedded setups. It
// enforces the same optimistic-concurrency and ordering guarantees as the
// Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]envelope.Event
	global  []envelope.Positioned
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streams: make(map[string][]envelope.Event)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []envelope.Event) (AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}
	if len(events) == 0 {
		return AppendResult{}, errEmptyAppend(aggregateID)
	}
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			return AppendResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	current := uint64(len(stream))
	if current != expectedVersion {
		return AppendResult{}, &ConflictError{
			AggregateID:     aggregateID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   current,
		}
	}

	var position uint64
	for _, ev := range events {
		current++
		ev.AggregateID = aggregateID
		ev.Sequence = current
		stream = append(stream, ev)
		position = uint64(len(s.global)) + 1
		s.global = append(s.global, envelope.Positioned{
			PartitionKey: aggregateID,
			Position:     position,
			Event:        ev,
		})
	}
	s.streams[aggregateID] = stream

	return AppendResult{NewVersion: current, Position: position}, nil
}

// ReadStream implements Store.
func (s *MemoryStore) ReadStream(ctx context.Context, aggregateID string, fromSeq uint64, limit int) ([]envelope.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[aggregateID]
	if fromSeq < 1 {
		fromSeq = 1
	}
	if fromSeq > uint64(len(stream)) {
		return nil, nil
	}
	tail := stream[fromSeq-1:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]envelope.Event, len(tail))
	copy(out, tail)
	return out, nil
}

// ReadGlobal implements Store.
func (s *MemoryStore) ReadGlobal(ctx context.Context, fromPosition uint64, limit int) ([]envelope.Positioned, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromPosition >= uint64(len(s.global)) {
		return nil, nil
	}
	tail := s.global[fromPosition:]
	if len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]envelope.Positioned, len(tail))
	copy(out, tail)
	return out, nil
}

// Head implements Store.
func (s *MemoryStore) Head(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.global)), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
