package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAdvanceIsMonotone(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Advance("orders_view", 0, 10))
	require.NoError(t, s.Advance("orders_view", 0, 10))
	require.NoError(t, s.Advance("orders_view", 0, 25))
	assert.Error(t, s.Advance("orders_view", 0, 24))

	pos, err := s.Load(ctx, "orders_view", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), pos)
}

func TestMemoryStoreLoadUnknownIsZero(t *testing.T) {
	s := NewMemoryStore()
	pos, err := s.Load(context.Background(), "nope", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)
}

func TestMemoryStoreListAndReset(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Advance("orders_view", 1, 5))
	require.NoError(t, s.Advance("orders_view", 0, 9))
	require.NoError(t, s.Advance("other_view", 0, 3))

	cps, err := s.List(ctx, "orders_view")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, 0, cps[0].Partition)
	assert.Equal(t, uint64(9), cps[0].Position)
	assert.Equal(t, 1, cps[1].Partition)

	require.NoError(t, s.Reset(ctx, "orders_view", 0))
	pos, err := s.Load(ctx, "orders_view", 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)
}

func TestMemoryStoreLeases(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	t.Run("exclusive ownership", func(t *testing.T) {
		ok, err := s.AcquireLease(ctx, "orders_view", 0, "worker-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.AcquireLease(ctx, "orders_view", 0, "worker-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		// Same owner may re-acquire.
		ok, err = s.AcquireLease(ctx, "orders_view", 0, "worker-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("renew requires ownership", func(t *testing.T) {
		ok, err := s.RenewLease(ctx, "orders_view", 0, "worker-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.RenewLease(ctx, "orders_view", 0, "worker-a", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("release frees the partition", func(t *testing.T) {
		require.NoError(t, s.ReleaseLease(ctx, "orders_view", 0, "worker-a"))

		ok, err := s.AcquireLease(ctx, "orders_view", 0, "worker-b", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("expired lease can be taken over", func(t *testing.T) {
		s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		defer func() { s.now = time.Now }()

		ok, err := s.AcquireLease(ctx, "orders_view", 0, "worker-c", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
