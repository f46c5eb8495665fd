package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestAllowWithinLimit(t *testing.T) {
	_, client := setupTestRedis(t)
	lim := New(client, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := lim.Allow(ctx, "tenant-a", 5)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, int64(i), res.Count)
	}
}

func TestSixthRequestRejectedWithRetryAfter(t *testing.T) {
	_, client := setupTestRedis(t)
	lim := New(client, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := lim.Allow(ctx, "tenant-a", 5)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := lim.Allow(ctx, "tenant-a", 5)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, int64(6), res.Count)
	require.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestWindowResetsAfterExpiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	lim := New(client, time.Minute)
	ctx := context.Background()

	res, err := lim.Allow(ctx, "tenant-b", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	mr.FastForward(time.Minute + time.Second)

	res, err = lim.Allow(ctx, "tenant-b", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(1), res.Count)
}

func TestTenantsAreIsolated(t *testing.T) {
	_, client := setupTestRedis(t)
	lim := New(client, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := lim.Allow(ctx, "tenant-a", 3)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := lim.Allow(ctx, "tenant-b", 3)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(1), res.Count)
}

func TestResetClearsCounter(t *testing.T) {
	_, client := setupTestRedis(t)
	lim := New(client, time.Minute)
	ctx := context.Background()

	_, err := lim.Allow(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.NoError(t, lim.Reset(ctx, "tenant-a"))

	res, err := lim.Allow(ctx, "tenant-a", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(1), res.Count)
}
