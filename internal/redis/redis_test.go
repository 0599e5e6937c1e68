package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb, err := NewRedisClient(context.Background(), addr, "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestIdempotencyStore_Lifecycle(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	store := NewIdempotencyStore(rdb, time.Minute)
	key := uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, idempotencyKey(key)) })

	existing, reserved, err := store.Reserve(ctx, key)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Empty(t, existing)

	existing, reserved, err = store.Reserve(ctx, key)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, pendingMarker, existing)

	apptID := uuid.NewString()
	require.NoError(t, store.Complete(ctx, key, apptID))

	// Release must not drop a completed key.
	require.NoError(t, store.Release(ctx, key))
	existing, reserved, err = store.Reserve(ctx, key)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, apptID, existing)
}

func TestIdempotencyStore_ReleaseFreesPendingKey(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	store := NewIdempotencyStore(rdb, time.Minute)
	key := uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, idempotencyKey(key)) })

	_, reserved, err := store.Reserve(ctx, key)
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, store.Release(ctx, key))

	_, reserved, err = store.Reserve(ctx, key)
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestAvailabilityCache_InvalidateHidesOlderEntries(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	cache := NewAvailabilityCache(rdb, time.Minute)
	key := "test:" + uuid.NewString()

	_, version, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, version, []byte(`{"slots":[]}`)))

	data, _, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"slots":[]}`, string(data))

	require.NoError(t, cache.Invalidate(ctx))

	_, newVersion, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEqual(t, version, newVersion)

	// A write prepared before the invalidation lands under the dead version.
	require.NoError(t, cache.Set(ctx, version, []byte(`{"slots":[1]}`)))
	_, _, ok, err = cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAvailabilityCache_BreakerOpensOnRedisFailure(t *testing.T) {
	// Nothing listens on port 1, so every command fails at dial time.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := NewAvailabilityCache(rdb, time.Minute, WithBreaker(2, time.Minute))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, version, ok, err := cache.Get(ctx, "k")
		require.Error(t, err)
		assert.False(t, ok)
		assert.Empty(t, version)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	assert.Equal(t, gobreaker.StateOpen, cache.State())

	_, _, _, err := cache.Get(ctx, "k")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	// Invalidation still reaches Redis while reads are short-circuited.
	err = cache.Invalidate(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
}
