// Package aggregate reconstructs event-sourced aggregates and persists the
// events their commands emit. An aggregate's state is derived entirely from
// its own ordered event history; the repository hydrates it from the latest
// snapshot plus a tail replay, upcasting stored payloads on the way in.
package aggregate

import (
	"encoding/json"
	"fmt"

	"github.com/ledgerline-systems/ledgerline/internal/envelope"
)

// Aggregate is implemented by domain aggregates, usually by embedding Root
// and adding ApplyEvent, SnapshotState and RestoreState.
type Aggregate interface {
	// AggregateID returns the aggregate's unique identifier.
	AggregateID() string

	// Version is the sequence number of the last applied committed event.
	Version() uint64

	// SetVersion records the last applied sequence number. Called by the
	// repository during hydration and after a successful save.
	SetVersion(v uint64)

	// Pending returns events recorded by commands but not yet appended.
	Pending() []envelope.Event

	// ClearPending drops the staged events after a successful append.
	ClearPending()

	// ApplyEvent advances in-memory state with one committed or staged event.
	ApplyEvent(ev envelope.Event) error

	// SnapshotState serializes current state for the snapshot store.
	SnapshotState() (json.RawMessage, error)

	// RestoreState rebuilds state from a snapshot payload.
	RestoreState(state json.RawMessage) error
}

// Root carries the bookkeeping shared by all aggregates. Aggregates hold no
// back-pointer into the event log, only the last applied sequence number.
type Root struct {
	id          string
	version     uint64
	pending     []envelope.Event
	snapshotSeq uint64
}

// NewRoot creates the base state for an aggregate.
func NewRoot(id string) Root {
	return Root{id: id}
}

// AggregateID implements Aggregate.
func (r *Root) AggregateID() string { return r.id }

// Version implements Aggregate.
func (r *Root) Version() uint64 { return r.version }

// SetVersion implements Aggregate.
func (r *Root) SetVersion(v uint64) { r.version = v }

// Pending implements Aggregate.
func (r *Root) Pending() []envelope.Event { return r.pending }

// ClearPending implements Aggregate.
func (r *Root) ClearPending() { r.pending = nil }

// Record stages an event emitted by a command. The event's sequence number
// is assigned by the event store on append.
func (r *Root) Record(ev envelope.Event) {
	r.pending = append(r.pending, ev)
}

func (r *Root) lastSnapshot() uint64    { return r.snapshotSeq }
func (r *Root) markSnapshot(seq uint64) { r.snapshotSeq = seq }

// ApplyTable dispatches events to apply functions keyed by event type. It
// replaces reflective dispatch with an explicit table, so an unhandled type
// is an error rather than a silent no-op.
type ApplyTable map[string]func(ev envelope.Event) error

// Dispatch applies ev through the table.
func (t ApplyTable) Dispatch(ev envelope.Event) error {
	fn, ok := t[ev.Type]
	if !ok {
		return fmt.Errorf("aggregate: no apply function for event type %q", ev.Type)
	}
	return fn(ev)
}
