package aggregate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline-systems/ledgerline/internal/envelope"
	"github.com/ledgerline-systems/ledgerline/internal/eventstore"
	"github.com/ledgerline-systems/ledgerline/internal/snapshot"
	"github.com/ledgerline-systems/ledgerline/internal/upcast"
)

// orderAggregate is a minimal event-sourced aggregate used by these tests.
type orderAggregate struct {
	Root
	apply ApplyTable

	X      int
	Closed bool
}

type orderState struct {
	X      int  `json:"x"`
	Closed bool `json:"closed"`
}

func newOrder(id string) Aggregate {
	o := &orderAggregate{Root: NewRoot(id)}
	o.apply = ApplyTable{
		"order.created": func(ev envelope.Event) error { return nil },
		"order.updated": func(ev envelope.Event) error {
			var p struct {
				X int `json:"x"`
			}
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return err
			}
			o.X = p.X
			return nil
		},
		"order.closed": func(ev envelope.Event) error {
			o.Closed = true
			return nil
		},
	}
	return o
}

func (o *orderAggregate) ApplyEvent(ev envelope.Event) error { return o.apply.Dispatch(ev) }

func (o *orderAggregate) SnapshotState() (json.RawMessage, error) {
	return json.Marshal(orderState{X: o.X, Closed: o.Closed})
}

func (o *orderAggregate) RestoreState(state json.RawMessage) error {
	var s orderState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	o.X = s.X
	o.Closed = s.Closed
	return nil
}

// emit stages an event and applies it so command logic sees its own effects.
func (o *orderAggregate) emit(t *testing.T, eventType string, payload any) {
	t.Helper()
	ev, err := envelope.New(o.AggregateID(), eventType, 1, payload)
	require.NoError(t, err)
	require.NoError(t, o.ApplyEvent(ev))
	o.Record(ev)
}

type repoFixture struct {
	store     *eventstore.MemoryStore
	snapshots *snapshot.MemoryStore
	writer    *snapshot.Writer
	repo      *Repository
}

func newFixture(t *testing.T, opts ...func(*Options)) *repoFixture {
	t.Helper()
	f := &repoFixture{
		store:     eventstore.NewMemoryStore(),
		snapshots: snapshot.NewMemoryStore(),
	}
	f.writer = snapshot.NewWriter(f.snapshots, slog.Default())
	t.Cleanup(f.writer.Close)

	o := Options{
		Store:        f.store,
		Snapshots:    f.snapshots,
		Writer:       f.writer,
		Policy:       snapshot.Policy{Interval: 5},
		NewAggregate: newOrder,
		SnapshotType: "order.snapshot",
	}
	for _, fn := range opts {
		fn(&o)
	}
	repo, err := NewRepository(o)
	require.NoError(t, err)
	f.repo = repo
	return f
}

func TestRepositoryLoadAppliesEventsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := envelope.New("A", "order.created", 1, map[string]any{})
	require.NoError(t, err)
	updated, err := envelope.New("A", "order.updated", 1, map[string]any{"x": 5})
	require.NoError(t, err)
	_, err = f.store.Append(ctx, "A", 0, []envelope.Event{created, updated})
	require.NoError(t, err)

	agg, err := f.repo.Load(ctx, "A")
	require.NoError(t, err)

	order := agg.(*orderAggregate)
	assert.Equal(t, 5, order.X)
	assert.Equal(t, uint64(2), order.Version())

	// A save issued with a stale expected version must conflict.
	stale := newOrder("A").(*orderAggregate)
	stale.SetVersion(1)
	stale.emit(t, "order.updated", map[string]any{"x": 7})
	_, err = f.repo.Save(ctx, stale)
	assert.ErrorIs(t, err, eventstore.ErrConflict)
}

func TestRepositorySaveLoadRoundTripEqualsFullReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agg := newOrder("order-1").(*orderAggregate)
	agg.emit(t, "order.created", map[string]any{})
	agg.emit(t, "order.updated", map[string]any{"x": 3})
	_, err := f.repo.Save(ctx, agg)
	require.NoError(t, err)

	loaded, err := f.repo.Load(ctx, "order-1")
	require.NoError(t, err)
	more := loaded.(*orderAggregate)
	more.emit(t, "order.updated", map[string]any{"x": 8})
	more.emit(t, "order.closed", map[string]any{})
	_, err = f.repo.Save(ctx, more)
	require.NoError(t, err)

	// Hydrate through the repository (may use a snapshot).
	viaRepo, err := f.repo.Load(ctx, "order-1")
	require.NoError(t, err)

	// Replay the full history from scratch, bypassing snapshots.
	bare, err := NewRepository(Options{Store: f.store, NewAggregate: newOrder})
	require.NoError(t, err)
	viaReplay, err := bare.Load(ctx, "order-1")
	require.NoError(t, err)

	a := viaRepo.(*orderAggregate)
	b := viaReplay.(*orderAggregate)
	assert.Equal(t, b.X, a.X)
	assert.Equal(t, b.Closed, a.Closed)
	assert.Equal(t, b.Version(), a.Version())
	assert.Equal(t, uint64(4), a.Version())
}

func TestRepositoryLoadPagesLongStreams(t *testing.T) {
	f := newFixture(t)
	f.repo.loadPage = 3
	ctx := context.Background()

	var batch []envelope.Event
	for i := 0; i < 10; i++ {
		ev, err := envelope.New("order-1", "order.updated", 1, map[string]any{"x": i})
		require.NoError(t, err)
		batch = append(batch, ev)
	}
	_, err := f.store.Append(ctx, "order-1", 0, batch)
	require.NoError(t, err)

	loaded, err := f.repo.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), loaded.Version())
	assert.Equal(t, 9, loaded.(*orderAggregate).X)
}

func TestRepositoryConcurrentSavesExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := newOrder("order-1").(*orderAggregate)
	seed.emit(t, "order.created", map[string]any{})
	_, err := f.repo.Save(ctx, seed)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agg, err := f.repo.Load(ctx, "order-1")
			if err != nil {
				errs[i] = err
				return
			}
			order := agg.(*orderAggregate)
			ev, err := envelope.New("order-1", "order.updated", 1, map[string]any{"x": i})
			if err != nil {
				errs[i] = err
				return
			}
			order.Record(ev)
			_, errs[i] = f.repo.Save(ctx, order)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, eventstore.ErrConflict)
		}
	}
	assert.GreaterOrEqual(t, winners, 1)

	// Final sequence advanced by exactly the number of successful saves.
	final, err := f.repo.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1+winners), final.Version())
}

func TestRepositoryUpcastsStoredEvents(t *testing.T) {
	chain := upcast.NewChain()
	chain.Register("order.updated", 1, func(payload json.RawMessage) (json.RawMessage, error) {
		var m map[string]any
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		if _, ok := m["x"]; !ok {
			// v1 carried "value"; v2 renamed it to "x".
			m["x"] = m["value"]
			delete(m, "value")
		}
		return json.Marshal(m)
	})

	f := newFixture(t, func(o *Options) { o.Chain = chain })
	ctx := context.Background()

	old, err := envelope.New("A", "order.updated", 1, map[string]any{"value": 5})
	require.NoError(t, err)
	_, err = f.store.Append(ctx, "A", 0, []envelope.Event{old})
	require.NoError(t, err)

	agg, err := f.repo.Load(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 5, agg.(*orderAggregate).X)
}

func TestRepositoryUnknownSchemaVersionHaltsHydration(t *testing.T) {
	chain := upcast.NewChain()
	chain.SetCurrent("order.updated", 3)

	f := newFixture(t, func(o *Options) { o.Chain = chain })
	ctx := context.Background()

	ev, err := envelope.New("A", "order.updated", 1, map[string]any{"x": 1})
	require.NoError(t, err)
	_, err = f.store.Append(ctx, "A", 0, []envelope.Event{ev})
	require.NoError(t, err)

	_, err = f.repo.Load(ctx, "A")
	assert.ErrorIs(t, err, upcast.ErrSchemaVersionUnknown)
}

func TestRepositoryCorruptSnapshotFallsBackToFullReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agg := newOrder("order-1").(*orderAggregate)
	agg.emit(t, "order.created", map[string]any{})
	agg.emit(t, "order.updated", map[string]any{"x": 9})
	_, err := f.repo.Save(ctx, agg)
	require.NoError(t, err)

	// Store a snapshot that cannot be deserialized.
	require.NoError(t, f.snapshots.Save(ctx, snapshot.Snapshot{
		AggregateID:   "order-1",
		Sequence:      2,
		SchemaVersion: 1,
		State:         json.RawMessage(`{"x": not-json`),
	}))

	loaded, err := f.repo.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.(*orderAggregate).X)
	assert.Equal(t, uint64(2), loaded.Version())

	// The corrupt snapshot was discarded.
	_, err = f.snapshots.Load(ctx, "order-1")
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestRepositorySnapshotsAfterInterval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agg := newOrder("order-1").(*orderAggregate)
	agg.emit(t, "order.created", map[string]any{})
	_, err := f.repo.Save(ctx, agg)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		loaded, err := f.repo.Load(ctx, "order-1")
		require.NoError(t, err)
		order := loaded.(*orderAggregate)
		order.emit(t, "order.updated", map[string]any{"x": i})
		_, err = f.repo.Save(ctx, order)
		require.NoError(t, err)
	}

	// Interval is 5, six events were appended: a snapshot must appear.
	require.Eventually(t, func() bool {
		_, err := f.snapshots.Load(ctx, "order-1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := f.snapshots.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Sequence, uint64(5))

	// Hydration from the snapshot matches full replay.
	viaSnap, err := f.repo.Load(ctx, "order-1")
	require.NoError(t, err)
	bare, err := NewRepository(Options{Store: f.store, NewAggregate: newOrder})
	require.NoError(t, err)
	viaReplay, err := bare.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, viaReplay.(*orderAggregate).X, viaSnap.(*orderAggregate).X)
	assert.Equal(t, viaReplay.Version(), viaSnap.Version())
}

func TestRepositoryForceSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	agg := newOrder("order-1").(*orderAggregate)
	agg.emit(t, "order.created", map[string]any{})
	agg.emit(t, "order.updated", map[string]any{"x": 4})
	_, err := f.repo.Save(ctx, agg)
	require.NoError(t, err)

	seq, err := f.repo.ForceSnapshot(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	snap, err := f.snapshots.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Sequence)

	_, err = f.repo.ForceSnapshot(ctx, "missing")
	assert.Error(t, err)
}

func TestCommandHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handler := NewCommandHandler(f.repo)

	t.Run("successful command returns a position token", func(t *testing.T) {
		pos, err := handler.HandleCommand(ctx, "order-1", func(ctx context.Context, agg Aggregate) error {
			order := agg.(*orderAggregate)
			ev, err := envelope.New("order-1", "order.created", 1, map[string]any{})
			if err != nil {
				return err
			}
			order.Record(ev)
			return nil
		})
		require.NoError(t, err)
		assert.Greater(t, pos, uint64(0))
	})

	t.Run("business errors surface unchanged", func(t *testing.T) {
		_, err := handler.HandleCommand(ctx, "order-1", func(ctx context.Context, agg Aggregate) error {
			return &BusinessError{Reason: "order already closed"}
		})
		require.Error(t, err)
		assert.True(t, IsBusinessError(err))
	})

	t.Run("commands staging nothing persist nothing", func(t *testing.T) {
		before, err := f.store.Head(ctx)
		require.NoError(t, err)
		_, err = handler.HandleCommand(ctx, "order-1", func(ctx context.Context, agg Aggregate) error { return nil })
		require.NoError(t, err)
		after, err := f.store.Head(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

func TestApplyTableUnknownType(t *testing.T) {
	table := ApplyTable{}
	err := table.Dispatch(envelope.Event{Type: "mystery.event"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mystery.event")
}
