package snapshot

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyShouldSnapshot(t *testing.T) {
	tests := []struct {
		name     string
		interval uint64
		lastSeq  uint64
		seq      uint64
		want     bool
	}{
		{name: "below default interval", lastSeq: 0, seq: 99, want: false},
		{name: "at default interval", lastSeq: 0, seq: 100, want: true},
		{name: "relative to last snapshot", lastSeq: 100, seq: 150, want: false},
		{name: "due again after last snapshot", lastSeq: 100, seq: 200, want: true},
		{name: "custom interval", interval: 10, lastSeq: 5, seq: 15, want: true},
		{name: "custom interval not due", interval: 10, lastSeq: 5, seq: 14, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Policy{Interval: tt.interval}
			assert.Equal(t, tt.want, p.ShouldSnapshot(tt.lastSeq, tt.seq))
		})
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Load(ctx, "order-1")
	assert.ErrorIs(t, err, ErrNotFound)

	snap := Snapshot{
		AggregateID:   "order-1",
		Sequence:      100,
		SchemaVersion: 2,
		State:         json.RawMessage(`{"x":5}`),
	}
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Load(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, snap, got)

	require.NoError(t, store.Delete(ctx, "order-1"))
	_, err = store.Load(ctx, "order-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreKeepsNewestSnapshot(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Snapshot{AggregateID: "a", Sequence: 200}))
	require.NoError(t, store.Save(ctx, Snapshot{AggregateID: "a", Sequence: 100}))

	got, err := store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), got.Sequence)
}

func TestWriterPersistsAsynchronously(t *testing.T) {
	store := NewMemoryStore()
	w := NewWriter(store, slog.Default())

	w.Enqueue(Snapshot{AggregateID: "order-1", Sequence: 100, SchemaVersion: 1, State: json.RawMessage(`{}`)})

	require.Eventually(t, func() bool {
		_, err := store.Load(context.Background(), "order-1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	w.Close()

	// Enqueue after close must not panic or block.
	w.Enqueue(Snapshot{AggregateID: "order-2", Sequence: 1})
}
