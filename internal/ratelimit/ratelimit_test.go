package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestTokenBucketDrainsAndRefills(t *testing.T) {
	srv, client := newRedis(t)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	srv.SetTime(now)

	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := bucket.Allow(ctx, "acct:1", 1, 2)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	denied, err := bucket.Allow(ctx, "acct:1", 1, 2)
	require.NoError(t, err)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)
	assert.Equal(t, time.Second, denied.RetryAfter)

	srv.SetTime(now.Add(1500 * time.Millisecond))
	refilled, err := bucket.Allow(ctx, "acct:1", 1, 2)
	require.NoError(t, err)
	assert.True(t, refilled.Allowed)

	other, err := bucket.Allow(ctx, "acct:2", 1, 2)
	require.NoError(t, err)
	assert.True(t, other.Allowed)
}

func TestTokenBucketValidation(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)

	_, err := bucket.Allow(context.Background(), "", 1, 1)
	assert.ErrorIs(t, err, ErrInvalidBucket)
	_, err = bucket.Allow(context.Background(), "k", 0, 1)
	assert.ErrorIs(t, err, ErrInvalidBucket)

	var missing *TokenBucket
	_, err = missing.Allow(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrBucketNotConfigured)
}

func TestLockerIsExclusiveAndOwnerReleased(t *testing.T) {
	srv, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "lease:audit", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "lease:audit", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "lease:audit", "someone-else"))
	assert.True(t, srv.Exists("lease:audit"))

	require.NoError(t, locker.Release(ctx, "lease:audit", token))
	assert.False(t, srv.Exists("lease:audit"))

	_, ok, err = locker.TryLock(ctx, "lease:audit", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpires(t *testing.T) {
	srv, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "lease:x", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(11 * time.Second)
	_, ok, err = locker.TryLock(ctx, "lease:x", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsumeLimiter(t *testing.T) {
	srv, client := newRedis(t)
	srv.SetTime(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{RateLimit: config.RateLimitConfig{ConsumeRate: 0.5, ConsumeBurst: 1}}

	limiter := NewConsumeLimiter(ConsumeParams{Cfg: cfg, Log: zap.NewNop(), Client: client})
	require.True(t, limiter.Enabled())

	first, err := limiter.Allow(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := limiter.Allow(context.Background(), "42")
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, 2*time.Second, second.RetryAfter)

	srv.Close()
	degraded, err := limiter.Allow(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, degraded.Allowed)
}

func TestConsumeLimiterDisabledWithoutRedis(t *testing.T) {
	limiter := NewConsumeLimiter(ConsumeParams{Cfg: config.Config{}, Log: zap.NewNop()})
	assert.False(t, limiter.Enabled())

	res, err := limiter.Allow(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
