// Package projection runs partitioned, checkpointed, idempotent read-model
// builders over the global change stream. One worker owns one partition of
// one projection, guarded by a lease; all events of an aggregate hash to the
// same partition, so per-aggregate order is preserved while partitions
// proceed in parallel.
package projection

import (
	"context"

	"github.com/ledgerline-systems/ledgerline/internal/envelope"
	"github.com/ledgerline-systems/ledgerline/internal/readmodel"
)

// Projection transforms events into read-model mutations. Apply runs inside
// the worker's atomic commit and must be idempotent under redelivery, which
// the readmodel sequence guards provide when record ids are derived
// deterministically from the event.
type Projection interface {
	// Name identifies the projection; it keys checkpoints and, for the live
	// instance, the read-model namespace.
	Name() string

	// Partitions is the number of change-stream partitions the projection
	// consumes with.
	Partitions() int

	// Apply folds one event into the read model under namespace.
	Apply(ctx context.Context, tx readmodel.Tx, namespace string, p envelope.Positioned) error
}

type renamed struct {
	Projection
	name string
}

func (r *renamed) Name() string { return r.name }

// Renamed runs proj under a different identity. Checkpoints and leases key on
// the new name, so a shadow replay or a cut-over instance never collides with
// the original.
func Renamed(proj Projection, name string) Projection {
	return &renamed{Projection: proj, name: name}
}
