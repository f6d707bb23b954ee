package batch

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQtyCache(t *testing.T) *RedisQtyCache {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQtyCache(client)
}

func TestQtyCacheRoundTrip(t *testing.T) {
	cache := newTestQtyCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetQty(ctx, "B-1", 27.5))

	qty, ok, err := cache.GetQty(ctx, "B-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 27.5, qty, 1e-9)
}

func TestQtyCacheMiss(t *testing.T) {
	cache := newTestQtyCache(t)

	_, ok, err := cache.GetQty(context.Background(), "B-UNKNOWN")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQtyCacheOverwrite(t *testing.T) {
	cache := newTestQtyCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetQty(ctx, "B-1", 10))
	require.NoError(t, cache.SetQty(ctx, "B-1", 3))

	qty, ok, err := cache.GetQty(ctx, "B-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 3, qty, 1e-9)
}
