package moderation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestRedisLocker(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	_, rdb := setupTestRedis(t)

	locker := NewRedisLocker(rdb, 30*time.Second)

	lk, ok, err := locker.TryLock(ctx, "example.com")
	assert.NoError(err)
	assert.True(ok)

	_, ok, err = locker.TryLock(ctx, "example.com")
	assert.NoError(err)
	assert.False(ok)

	// other domains are independent
	other, ok, err := locker.TryLock(ctx, "example.org")
	assert.NoError(err)
	assert.True(ok)
	assert.NoError(other.Release(ctx))

	assert.NoError(lk.Extend(ctx))
	assert.NoError(lk.Release(ctx))

	lk, ok, err = locker.TryLock(ctx, "example.com")
	assert.NoError(err)
	assert.True(ok)
	assert.NoError(lk.Release(ctx))
}

func TestRedisLockExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	mr, rdb := setupTestRedis(t)

	locker := NewRedisLocker(rdb, 10*time.Second)

	stale, ok, err := locker.TryLock(ctx, "example.com")
	assert.NoError(err)
	assert.True(ok)

	mr.FastForward(11 * time.Second)

	fresh, ok, err := locker.TryLock(ctx, "example.com")
	assert.NoError(err)
	assert.True(ok)

	// the expired owner can neither extend nor release the new owner's lock
	assert.ErrorIs(stale.Extend(ctx), ErrLockLost)
	assert.NoError(stale.Release(ctx))
	_, ok, err = locker.TryLock(ctx, "example.com")
	assert.NoError(err)
	assert.False(ok)

	assert.NoError(fresh.Release(ctx))
}
