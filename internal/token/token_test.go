package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline-systems/ledgerline/internal/checkpoint"
	"github.com/ledgerline-systems/ledgerline/internal/notify"
)

func TestTokenRoundTrip(t *testing.T) {
	tok := FromPosition(42)
	parsed, err := Parse(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)
}

func TestParseRejectsMalformedTokens(t *testing.T) {
	for _, s := range []string{"", "42", "pos:", "pos:abc", "pos:-1"} {
		t.Run(s, func(t *testing.T) {
			_, err := Parse(s)
			assert.Error(t, err)
		})
	}
}

func TestWaitForReturnsImmediatelyWhenCaughtUp(t *testing.T) {
	cps := checkpoint.NewMemoryStore()
	require.NoError(t, cps.Advance("orders_view", 0, 10))

	svc := NewService(cps, nil, time.Millisecond)
	err := svc.WaitFor(context.Background(), "orders_view", 0, FromPosition(10), time.Second)
	assert.NoError(t, err)
}

func TestWaitForTimesOut(t *testing.T) {
	cps := checkpoint.NewMemoryStore()
	require.NoError(t, cps.Advance("orders_view", 0, 5))

	svc := NewService(cps, nil, time.Millisecond)
	err := svc.WaitFor(context.Background(), "orders_view", 0, FromPosition(6), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitForWakesOnCheckpointHint(t *testing.T) {
	cps := checkpoint.NewMemoryStore()
	hub := notify.NewLocal()
	// Slow poll so the test passes only if the hint wakes the waiter.
	svc := NewService(cps, hub, time.Minute)

	done := make(chan error, 1)
	go func() {
		done <- svc.WaitFor(context.Background(), "orders_view", 1, FromPosition(7), 5*time.Second)
	}()

	// Give the waiter time to subscribe before the checkpoint lands.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cps.Advance("orders_view", 1, 7))
	hub.PublishCheckpoint(notify.CheckpointHint{Projection: "orders_view", Partition: 1, Position: 7})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake on hint")
	}
}

func TestWaitForIgnoresForeignHints(t *testing.T) {
	cps := checkpoint.NewMemoryStore()
	hub := notify.NewLocal()
	svc := NewService(cps, hub, time.Minute)

	done := make(chan error, 1)
	go func() {
		done <- svc.WaitFor(context.Background(), "orders_view", 0, FromPosition(3), 100*time.Millisecond)
	}()

	time.Sleep(10 * time.Millisecond)
	hub.PublishCheckpoint(notify.CheckpointHint{Projection: "other_view", Partition: 0, Position: 9})
	hub.PublishCheckpoint(notify.CheckpointHint{Projection: "orders_view", Partition: 2, Position: 9})

	err := <-done
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitForHonorsContext(t *testing.T) {
	cps := checkpoint.NewMemoryStore()
	svc := NewService(cps, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.WaitFor(ctx, "orders_view", 0, FromPosition(1), time.Minute)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter did not observe cancellation")
	}
}
