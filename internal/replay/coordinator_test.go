package replay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline-systems/ledgerline/internal/checkpoint"
	"github.com/ledgerline-systems/ledgerline/internal/envelope"
	"github.com/ledgerline-systems/ledgerline/internal/eventstore"
	"github.com/ledgerline-systems/ledgerline/internal/notify"
	"github.com/ledgerline-systems/ledgerline/internal/projection"
	"github.com/ledgerline-systems/ledgerline/internal/readmodel"
)

type viewProjection struct {
	name       string
	partitions int
}

func (p *viewProjection) Name() string { return p.name }

func (p *viewProjection) Partitions() int { return p.partitions }

func (p *viewProjection) Apply(ctx context.Context, tx readmodel.Tx, namespace string, ev envelope.Positioned) error {
	return tx.Upsert(ctx, namespace, ev.Event.AggregateID, ev.Event.Payload, ev.Event.Sequence)
}

type replayFixture struct {
	store       *eventstore.MemoryStore
	checkpoints *checkpoint.MemoryStore
	readModels  *readmodel.MemoryStore
	registry    *MemoryRegistry
	router      *Router
	coord       *Coordinator
}

func newReplayFixture(t *testing.T, cfg Config) *replayFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &replayFixture{
		store:       eventstore.NewMemoryStore(),
		checkpoints: checkpoint.NewMemoryStore(),
		registry:    NewMemoryRegistry(),
		router:      NewRouter(rdb, time.Hour),
	}
	f.readModels = readmodel.NewMemoryStore(f.checkpoints)

	engine := projection.NewEngine(f.store, f.readModels, f.checkpoints,
		projection.NewMemoryDeadLetters(), notify.NewLocal(), nil, projection.Config{
			BatchSize:    100,
			PollInterval: 2 * time.Millisecond,
			MaxRetries:   2,
			RetryBackoff: time.Millisecond,
			LeaseTTL:     time.Second,
		})
	f.coord = NewCoordinator(f.store, f.checkpoints, f.readModels, f.registry, f.router, engine, nil, cfg)
	return f
}

func (f *replayFixture) seed(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev, err := envelope.New(fmt.Sprintf("order-%d", i), "order.created", 1, map[string]int{"n": i})
		require.NoError(t, err)
		_, err = f.store.Append(context.Background(), ev.AggregateID, 0, []envelope.Event{ev})
		require.NoError(t, err)
	}
}

func TestReplayCatchesUpAndCutsOver(t *testing.T) {
	f := newReplayFixture(t, Config{
		LagThreshold:   1000,
		LagWindow:      10 * time.Millisecond,
		StallAfter:     time.Minute,
		SampleInterval: 2 * time.Millisecond,
		Grace:          time.Hour,
	})
	proj := &viewProjection{name: "orders_view", partitions: 2}
	f.seed(t, 10)

	rec, err := f.coord.StartReplay(context.Background(), proj)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Contains(t, rec.Namespace, "orders_view_replay_")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx, rec.ID, proj) }()

	require.Eventually(t, func() bool {
		lag, err := f.coord.GetLag(context.Background(), rec.ID)
		return err == nil && lag.Lag == 0 && lag.Head == 10
	}, 5*time.Second, 2*time.Millisecond)

	// Cutover needs the lag to have been below the threshold for the window.
	var cut Replay
	require.Eventually(t, func() bool {
		cut, err = f.coord.Cutover(context.Background(), rec.ID)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, StatusCutover, cut.Status)
	assert.Equal(t, "orders_view", cut.RetiredNamespace)
	require.NotNil(t, cut.CutoverAt)

	ns, err := f.router.Resolve(context.Background(), "orders_view")
	require.NoError(t, err)
	assert.Equal(t, rec.Namespace, ns)

	// The shadow model holds every aggregate.
	for i := 0; i < 10; i++ {
		_, err := f.readModels.Get(context.Background(), rec.Namespace, fmt.Sprintf("order-%d", i))
		assert.NoError(t, err)
	}

	// The monitor notices the finished status and stops the shadow engine.
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not stop after cutover")
	}

	// A second cutover of the same replay is rejected.
	_, err = f.coord.Cutover(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestCutoverBlockedWhileLagging(t *testing.T) {
	f := newReplayFixture(t, Config{
		LagThreshold:   1,
		LagWindow:      10 * time.Millisecond,
		StallAfter:     time.Minute,
		SampleInterval: 2 * time.Millisecond,
	})
	proj := &viewProjection{name: "orders_view", partitions: 1}
	f.seed(t, 5)

	// Registered but never run: the shadow sits at position zero.
	rec, err := f.coord.StartReplay(context.Background(), proj)
	require.NoError(t, err)

	_, err = f.coord.Cutover(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrLagTooHigh)

	ns, err := f.router.Resolve(context.Background(), "orders_view")
	require.NoError(t, err)
	assert.Equal(t, "orders_view", ns, "reads must stay on the live model")
}

func TestCutoverBlockedUntilLagSustained(t *testing.T) {
	f := newReplayFixture(t, Config{
		LagThreshold:   1000,
		LagWindow:      time.Hour,
		StallAfter:     time.Minute,
		SampleInterval: 2 * time.Millisecond,
	})
	proj := &viewProjection{name: "orders_view", partitions: 1}

	// Empty stream: lag is zero, but no monitor sample has confirmed it for
	// the window yet.
	rec, err := f.coord.StartReplay(context.Background(), proj)
	require.NoError(t, err)

	_, err = f.coord.Cutover(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrLagNotSustained)
}

func TestCutoverSerializedPerProjection(t *testing.T) {
	f := newReplayFixture(t, Config{
		LagThreshold:   1000,
		LagWindow:      time.Hour,
		StallAfter:     time.Minute,
		SampleInterval: 2 * time.Millisecond,
	})
	proj := &viewProjection{name: "orders_view", partitions: 1}
	ctx := context.Background()

	rec, err := f.coord.StartReplay(ctx, proj)
	require.NoError(t, err)

	// Another process is mid-cutover on the same projection.
	ok, err := f.router.AcquireCutoverLock(ctx, "orders_view")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.coord.Cutover(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrCutoverInProgress)

	// Once the holder is done the attempt proceeds to the usual gating.
	require.NoError(t, f.router.ReleaseCutoverLock(ctx, "orders_view"))
	_, err = f.coord.Cutover(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrLagNotSustained)

	// The failed attempt released its lock on the way out.
	ok, err = f.router.AcquireCutoverLock(ctx, "orders_view")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCutoverBlockedWhenStalled(t *testing.T) {
	f := newReplayFixture(t, Config{
		LagThreshold:   1000,
		LagWindow:      time.Millisecond,
		StallAfter:     time.Minute,
		SampleInterval: 2 * time.Millisecond,
	})
	proj := &viewProjection{name: "orders_view", partitions: 1}
	f.seed(t, 3)

	rec, err := f.coord.StartReplay(context.Background(), proj)
	require.NoError(t, err)

	// Model a wedged shadow: no progress for far longer than StallAfter.
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, f.registry.UpdateProgress(context.Background(), rec.ID, 1, stale, &stale))

	_, err = f.coord.Cutover(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrStalled)
}

func TestCancelDropsShadowNamespace(t *testing.T) {
	f := newReplayFixture(t, Config{})
	proj := &viewProjection{name: "orders_view", partitions: 1}

	rec, err := f.coord.StartReplay(context.Background(), proj)
	require.NoError(t, err)

	// Put something in the shadow namespace first.
	err = f.readModels.RunInTx(context.Background(),
		checkpoint.Checkpoint{Projection: rec.Namespace, Partition: 0, Position: 1},
		func(tx readmodel.Tx) error {
			return tx.Upsert(context.Background(), rec.Namespace, "order-1", []byte(`{}`), 1)
		})
	require.NoError(t, err)

	require.NoError(t, f.coord.Cancel(context.Background(), rec.ID))

	got, err := f.registry.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = f.readModels.Get(context.Background(), rec.Namespace, "order-1")
	assert.ErrorIs(t, err, readmodel.ErrNotFound)
}

func TestCleanupHonorsGracePeriod(t *testing.T) {
	f := newReplayFixture(t, Config{
		LagThreshold:   1000,
		LagWindow:      time.Nanosecond,
		StallAfter:     time.Minute,
		SampleInterval: time.Millisecond,
		Grace:          time.Hour,
	})
	proj := &viewProjection{name: "orders_view", partitions: 1}

	// Seed the live model that cutover will retire.
	err := f.readModels.RunInTx(context.Background(),
		checkpoint.Checkpoint{Projection: "orders_view", Partition: 0, Position: 1},
		func(tx readmodel.Tx) error {
			return tx.Upsert(context.Background(), "orders_view", "order-1", []byte(`{}`), 1)
		})
	require.NoError(t, err)

	rec, err := f.coord.StartReplay(context.Background(), proj)
	require.NoError(t, err)

	// Satisfy the sustained-lag precondition without running the engine: the
	// stream is empty, so lag is already zero.
	since := time.Now().Add(-time.Minute)
	require.NoError(t, f.registry.UpdateProgress(context.Background(), rec.ID, 0, time.Now(), &since))

	_, err = f.coord.Cutover(context.Background(), rec.ID)
	require.NoError(t, err)

	err = f.coord.Cleanup(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrGraceActive)

	// After the grace period the retired model goes away.
	f.coord.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, f.coord.Cleanup(context.Background(), rec.ID))

	_, err = f.readModels.Get(context.Background(), "orders_view", "order-1")
	assert.ErrorIs(t, err, readmodel.ErrNotFound)
}
