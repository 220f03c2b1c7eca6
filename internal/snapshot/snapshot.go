// Package snapshot caches serialized aggregate state at a sequence number so
// hydration can skip the head of the event stream. Snapshots are derived
// data: any snapshot may be deleted or fail to write without data loss, the
// repository falls back to full replay from sequence 1.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when an aggregate has no stored snapshot.
var ErrNotFound = errors.New("snapshot: not found")

// Snapshot is the serialized state of an aggregate as of Sequence.
type Snapshot struct {
	AggregateID   string          `json:"aggregate_id"`
	Sequence      uint64          `json:"sequence_number_at_snapshot"`
	SchemaVersion uint32          `json:"schema_version"`
	State         json.RawMessage `json:"serialized_state"`
}

// Store persists snapshots. Save overwrites the previous snapshot for the
// aggregate; Load returns the latest one.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, aggregateID string) (Snapshot, error)
	Delete(ctx context.Context, aggregateID string) error
}

// Policy decides when an aggregate is due for a new snapshot.
type Policy struct {
	// Interval is the number of events between snapshots.
	Interval uint64
}

// DefaultInterval is the number of events after which a fresh snapshot is
// taken when no interval is configured.
const DefaultInterval = 100

// ShouldSnapshot reports whether an aggregate at seq should be snapshotted
// given the sequence of its last snapshot (0 when none exists).
func (p Policy) ShouldSnapshot(lastSnapshotSeq, seq uint64) bool {
	interval := p.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	return seq >= lastSnapshotSeq && seq-lastSnapshotSeq >= interval
}
