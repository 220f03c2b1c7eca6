package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ledgerline-systems/ledgerline/internal/envelope"
	"github.com/ledgerline-systems/ledgerline/internal/eventstore"
	"github.com/ledgerline-systems/ledgerline/internal/snapshot"
	"github.com/ledgerline-systems/ledgerline/internal/upcast"
)

// Factory builds an empty aggregate for an id.
type Factory func(id string) Aggregate

// Repository hydrates aggregates and appends the events their commands emit.
// It never retries conflicts: a ConflictError means the caller raced another
// writer and must reload before deciding again.
type Repository struct {
	store     eventstore.Store
	snapshots snapshot.Store
	writer    *snapshot.Writer
	chain     *upcast.Chain
	policy    snapshot.Policy
	logger    *slog.Logger

	newAggregate Factory
	// snapshotType keys the upcaster chain for serialized aggregate state
	// (e.g. "order.snapshot").
	snapshotType string
	// loadPage bounds how many events a single ReadStream call pulls during
	// hydration, keeping memory flat for long streams.
	loadPage int
}

// Options configures a Repository.
type Options struct {
	Store        eventstore.Store
	Snapshots    snapshot.Store
	Writer       *snapshot.Writer
	Chain        *upcast.Chain
	Policy       snapshot.Policy
	Logger       *slog.Logger
	NewAggregate Factory
	SnapshotType string
}

// NewRepository creates a repository. Snapshots, Writer and Chain are
// optional: without them hydration always replays from sequence 1 and
// payloads must already be at the current schema version.
func NewRepository(opts Options) (*Repository, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("aggregate: event store is required")
	}
	if opts.NewAggregate == nil {
		return nil, fmt.Errorf("aggregate: factory is required")
	}
	if opts.Chain == nil {
		opts.Chain = upcast.NewChain()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Repository{
		store:        opts.Store,
		snapshots:    opts.Snapshots,
		writer:       opts.Writer,
		chain:        opts.Chain,
		policy:       opts.Policy,
		logger:       opts.Logger,
		newAggregate: opts.NewAggregate,
		snapshotType: opts.SnapshotType,
		loadPage:     1000,
	}, nil
}

// Load reconstructs the aggregate: latest snapshot first (when present and
// intact), then a replay of the stream tail, upcasting every stored payload
// before it is applied.
func (r *Repository) Load(ctx context.Context, id string) (Aggregate, error) {
	agg := r.newAggregate(id)
	fromSeq := uint64(1)

	if r.snapshots != nil {
		snap, err := r.snapshots.Load(ctx, id)
		switch {
		case err == nil:
			restored, err := r.restoreSnapshot(ctx, agg, snap)
			if err != nil {
				return nil, err
			}
			if restored {
				fromSeq = snap.Sequence + 1
			}
		case errors.Is(err, snapshot.ErrNotFound):
			// Full replay.
		default:
			return nil, fmt.Errorf("load snapshot for %s: %w", id, err)
		}
	}

	// The tail replays in pages so a long stream never materializes at once.
	for {
		events, err := r.store.ReadStream(ctx, id, fromSeq, r.loadPage)
		if err != nil {
			return nil, fmt.Errorf("read stream for %s: %w", id, err)
		}
		for _, ev := range events {
			upcasted, err := r.upcastEvent(ev)
			if err != nil {
				// No registered upcaster for a stored version is fatal for this
				// aggregate: applying the raw payload could corrupt state.
				r.logger.Error("hydration halted",
					slog.String("aggregate_id", id),
					slog.String("event_type", ev.Type),
					slog.Uint64("sequence", ev.Sequence),
					slog.String("error", err.Error()))
				return nil, err
			}
			if err := agg.ApplyEvent(upcasted); err != nil {
				return nil, fmt.Errorf("apply %s at %s/%d: %w", ev.Type, id, ev.Sequence, err)
			}
			agg.SetVersion(upcasted.Sequence)
		}
		if len(events) < r.loadPage {
			return agg, nil
		}
		fromSeq = events[len(events)-1].Sequence + 1
	}
}

// restoreSnapshot applies a stored snapshot to agg. A snapshot that fails to
// upcast or deserialize is discarded: it is a derived cache, and full replay
// from sequence 1 is always a valid fallback.
func (r *Repository) restoreSnapshot(ctx context.Context, agg Aggregate, snap snapshot.Snapshot) (bool, error) {
	state := snap.State
	if r.snapshotType != "" {
		_, upcasted, err := r.chain.Apply(r.snapshotType, snap.SchemaVersion, snap.State)
		if err != nil {
			if errors.Is(err, upcast.ErrSchemaVersionUnknown) {
				return false, err
			}
			r.discardSnapshot(ctx, snap, err)
			return false, nil
		}
		state = upcasted
	}
	if err := agg.RestoreState(state); err != nil {
		r.discardSnapshot(ctx, snap, err)
		return false, nil
	}
	agg.SetVersion(snap.Sequence)
	if root, ok := agg.(interface{ markSnapshot(uint64) }); ok {
		root.markSnapshot(snap.Sequence)
	}
	return true, nil
}

func (r *Repository) discardSnapshot(ctx context.Context, snap snapshot.Snapshot, cause error) {
	r.logger.Warn("discarding corrupt snapshot, falling back to full replay",
		slog.String("aggregate_id", snap.AggregateID),
		slog.Uint64("sequence", snap.Sequence),
		slog.String("error", cause.Error()))
	if err := r.snapshots.Delete(ctx, snap.AggregateID); err != nil {
		r.logger.Warn("failed to delete corrupt snapshot",
			slog.String("aggregate_id", snap.AggregateID),
			slog.String("error", err.Error()))
	}
}

func (r *Repository) upcastEvent(ev envelope.Event) (envelope.Event, error) {
	version, payload, err := r.chain.Apply(ev.Type, ev.SchemaVersion, ev.Payload)
	if err != nil {
		return envelope.Event{}, err
	}
	ev.SchemaVersion = version
	ev.Payload = payload
	return ev, nil
}

// Save appends the aggregate's pending events with the aggregate's last
// known sequence number as the expected version. On eventstore.ErrConflict
// the caller reloads and retries; the repository never retries silently, a
// conflict may hide a business-rule race.
func (r *Repository) Save(ctx context.Context, agg Aggregate) (eventstore.AppendResult, error) {
	pending := agg.Pending()
	if len(pending) == 0 {
		return eventstore.AppendResult{NewVersion: agg.Version()}, nil
	}

	res, err := r.store.Append(ctx, agg.AggregateID(), agg.Version(), pending)
	if err != nil {
		return eventstore.AppendResult{}, err
	}
	agg.SetVersion(res.NewVersion)
	agg.ClearPending()

	r.maybeSnapshot(agg)
	return res, nil
}

// ForceSnapshot synchronously writes a snapshot of the aggregate's current
// state, regardless of the interval policy.
func (r *Repository) ForceSnapshot(ctx context.Context, id string) (uint64, error) {
	if r.snapshots == nil {
		return 0, fmt.Errorf("aggregate: snapshot store not configured")
	}
	agg, err := r.Load(ctx, id)
	if err != nil {
		return 0, err
	}
	if agg.Version() == 0 {
		return 0, fmt.Errorf("aggregate %s has no events", id)
	}
	snap, err := r.buildSnapshot(agg)
	if err != nil {
		return 0, err
	}
	if err := r.snapshots.Save(ctx, snap); err != nil {
		return 0, fmt.Errorf("save snapshot for %s: %w", id, err)
	}
	return snap.Sequence, nil
}

// maybeSnapshot enqueues an asynchronous snapshot when the aggregate crossed
// the interval. Best-effort: failures only cost future hydration time.
func (r *Repository) maybeSnapshot(agg Aggregate) {
	if r.writer == nil {
		return
	}
	last := uint64(0)
	if root, ok := agg.(interface{ lastSnapshot() uint64 }); ok {
		last = root.lastSnapshot()
	}
	if !r.policy.ShouldSnapshot(last, agg.Version()) {
		return
	}
	snap, err := r.buildSnapshot(agg)
	if err != nil {
		r.logger.Warn("skipping snapshot",
			slog.String("aggregate_id", agg.AggregateID()),
			slog.String("error", err.Error()))
		return
	}
	r.writer.Enqueue(snap)
	if root, ok := agg.(interface{ markSnapshot(uint64) }); ok {
		root.markSnapshot(snap.Sequence)
	}
}

func (r *Repository) buildSnapshot(agg Aggregate) (snapshot.Snapshot, error) {
	state, err := agg.SnapshotState()
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("serialize %s: %w", agg.AggregateID(), err)
	}
	version := uint32(1)
	if r.snapshotType != "" {
		version = r.chain.CurrentVersion(r.snapshotType)
	}
	return snapshot.Snapshot{
		AggregateID:   agg.AggregateID(),
		Sequence:      agg.Version(),
		SchemaVersion: version,
		State:         state,
	}, nil
}
