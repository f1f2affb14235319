package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestMemoryClaims(t *testing.T) {
	c := NewMemoryClaims()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := c.Claim(ctx, "schedule:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Claim(ctx, "schedule:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Claim(ctx, "schedule:2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	ok, err = c.Claim(ctx, "schedule:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "claim is granted again after the ttl")
}

func TestRedisClaims(t *testing.T) {
	mr, client := setupRedis(t)
	c := NewRedisClaims(client, "claims:")
	ctx := context.Background()

	ok, err := c.Claim(ctx, "schedule:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("claims:schedule:1"))

	ok, err = c.Claim(ctx, "schedule:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(time.Minute + time.Second)
	ok, err = c.Claim(ctx, "schedule:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisClaimsReportsConnectionErrors(t *testing.T) {
	mr, client := setupRedis(t)
	mr.Close()

	_, err := NewRedisClaims(client, "").Claim(context.Background(), "k", time.Second)
	assert.Error(t, err)
}

func TestRedisMutexTryLock(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	a := NewRedisMutex(client, "lock:reconcile", time.Minute, zap.NewNop())
	b := NewRedisMutex(client, "lock:reconcile", time.Minute, zap.NewNop())

	unlock, ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	unlock()

	unlock2, ok, err := b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()
}
