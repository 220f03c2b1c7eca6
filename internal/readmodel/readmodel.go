// Package readmodel stores projection-owned denormalized views. Record
// identity is derived deterministically from the triggering event, and every
// write carries the event's sequence number so redelivered events either
// no-op or lose against a newer write. Each projection writes to its own
// namespace; a shadow replay writes to a fresh namespace and never touches
// the live one.
package readmodel

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ledgerline-systems/ledgerline/internal/checkpoint"
)

// ErrNotFound is returned when a record does not exist in a namespace.
var ErrNotFound = errors.New("readmodel: record not found")

// Record is one denormalized document.
type Record struct {
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data"`
	LastSeq uint64          `json:"last_seq"`
}

// Stats summarizes a namespace for replay-parity verification.
type Stats struct {
	Records  int64  `json:"records"`
	Checksum uint64 `json:"checksum"`
}

// Tx is the mutation surface available inside an atomic batch commit.
type Tx interface {
	// Get reads a record as visible to the transaction, including writes
	// staged earlier in the same batch. Returns ErrNotFound when absent.
	Get(ctx context.Context, namespace, id string) (Record, error)

	// Upsert writes the record unless the stored copy already carries an
	// equal or newer sequence, making redelivery idempotent.
	Upsert(ctx context.Context, namespace, id string, data json.RawMessage, seq uint64) error

	// AddCounter merges a counter delta for one shard. Deltas are keyed by
	// (counter, shard) and guarded by seq, so replays of the same event never
	// double-count and shards merge commutatively.
	AddCounter(ctx context.Context, namespace, counter, shard string, delta int64, seq uint64) error
}

// Store is the read-model storage contract. RunInTx is the only write path:
// the checkpoint advances in the same atomic unit as the mutations, which is
// what makes the projection engine idempotent under at-least-once delivery.
type Store interface {
	// RunInTx runs fn and commits the checkpoint in one atomic unit. When fn
	// returns an error nothing is applied, checkpoint included.
	RunInTx(ctx context.Context, cp checkpoint.Checkpoint, fn func(tx Tx) error) error

	// Get returns a record by its derived id.
	Get(ctx context.Context, namespace, id string) (Record, error)

	// CounterValue sums all shards of a counter.
	CounterValue(ctx context.Context, namespace, counter string) (int64, error)

	// NamespaceStats returns record count and an order-independent checksum.
	NamespaceStats(ctx context.Context, namespace string) (Stats, error)

	// DropNamespace removes every record and counter shard of a namespace.
	// Used when a retired read model leaves its rollback grace period.
	DropNamespace(ctx context.Context, namespace string) error
}
