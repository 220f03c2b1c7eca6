// Package eventstore provides the append-only event log with optimistic
// concurrency control. It is the single owner of event immutability: events
// for one aggregate form a gapless sequence starting at 1, and an append only
// succeeds when the caller's expected version matches the stream head.
package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ledgerline-systems/ledgerline/internal/envelope"
)

// ErrConflict is returned by Append when the expected version does not match
// the aggregate's current head. Nothing is written. Callers reload and retry;
// the store never retries on their behalf.
var ErrConflict = errors.New("eventstore: version conflict")

// ConflictError carries the versions involved in a failed conditional append.
// It unwraps to ErrConflict.
type ConflictError struct {
	AggregateID     string
	ExpectedVersion uint64
	ActualVersion   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventstore: version conflict on %s: expected %d, at %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// AppendResult reports the outcome of a successful conditional append.
type AppendResult struct {
	// NewVersion is the aggregate's sequence number after the append.
	NewVersion uint64
	// Position is the global change-stream position of the last appended
	// event. It doubles as the consistency token for read-your-writes.
	Position uint64
}

// Store is the contract for an append-only event store.
//
// Implementations must guarantee:
//   - events for one aggregate are strictly serialized and gapless
//   - appends to different aggregates proceed concurrently
//   - ReadStream and ReadGlobal yield events oldest to newest
//   - ReadGlobal never returns a position while any lower position is still
//     uncommitted, so a reader that checkpoints at N can safely skip past it
type Store interface {
	// Append appends events to the aggregate's stream only if the stream's
	// current highest sequence number equals expectedVersion (0 for a new
	// stream). On mismatch it returns a *ConflictError and writes nothing.
	Append(ctx context.Context, aggregateID string, expectedVersion uint64, events []envelope.Event) (AppendResult, error)

	// ReadStream returns the aggregate's events with Sequence >= fromSeq in
	// ascending order, at most limit of them (limit <= 0 reads to the head).
	// The read is stable with respect to concurrent appends: it covers the
	// stream up to its head at the time the read starts.
	ReadStream(ctx context.Context, aggregateID string, fromSeq uint64, limit int) ([]envelope.Event, error)

	// ReadGlobal returns up to limit events with Position > fromPosition from
	// the global change stream, in position order.
	ReadGlobal(ctx context.Context, fromPosition uint64, limit int) ([]envelope.Positioned, error)

	// Head returns the current highest global position (0 when empty).
	Head(ctx context.Context) (uint64, error)

	// Close releases store resources. Idempotent.
	Close() error
}
