// Package checkpoint tracks how far each projection partition has consumed
// the global change stream, and hands out the leases that guarantee no two
// workers ever own the same (projection, partition) pair concurrently.
//
// Checkpoint writes are not performed through this package: they are
// committed by the read-model store in the same atomic unit as the
// read-model mutation they correspond to.
package checkpoint

import (
	"context"
	"time"
)

// Checkpoint is the durable consumption record of one projection partition.
type Checkpoint struct {
	Projection string `json:"projection_name"`
	Partition  int    `json:"partition_id"`
	Position   uint64 `json:"last_processed_position"`
}

// Store reads and administers checkpoints.
type Store interface {
	// Load returns the last processed position for the partition, 0 when the
	// partition has never committed.
	Load(ctx context.Context, projection string, partition int) (uint64, error)

	// List returns all checkpoints of a projection.
	List(ctx context.Context, projection string) ([]Checkpoint, error)

	// Reset deletes the checkpoint so the partition reprocesses from zero.
	// Only safe while no worker holds the partition's lease.
	Reset(ctx context.Context, projection string, partition int) error

	// AcquireLease takes exclusive ownership of the partition for ttl.
	// Returns false when another live owner holds it.
	AcquireLease(ctx context.Context, projection string, partition int, owner string, ttl time.Duration) (bool, error)

	// RenewLease extends the lease. Returns false when the caller no longer
	// owns it.
	RenewLease(ctx context.Context, projection string, partition int, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease gives the partition up. Releasing a lease owned by someone
	// else is a no-op.
	ReleaseLease(ctx context.Context, projection string, partition int, owner string) error
}
