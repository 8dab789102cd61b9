package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCacheStore(t *testing.T, cs CacheStore) {
	assert := assert.New(t)
	ctx := context.Background()

	val, err := cs.Get(ctx, "rules", "example.com")
	assert.NoError(err)
	assert.Empty(val)

	assert.NoError(cs.Set(ctx, "rules", "example.com", `{"severity":"suspend"}`))
	val, err = cs.Get(ctx, "rules", "example.com")
	assert.NoError(err)
	assert.Equal(`{"severity":"suspend"}`, val)

	// namespaces are separate
	val, err = cs.Get(ctx, "other", "example.com")
	assert.NoError(err)
	assert.Empty(val)

	assert.NoError(cs.Purge(ctx, "rules", "example.com"))
	val, err = cs.Get(ctx, "rules", "example.com")
	assert.NoError(err)
	assert.Empty(val)

	// purging a missing key is fine
	assert.NoError(cs.Purge(ctx, "rules", "missing.example.com"))
}

func TestMemCacheStore(t *testing.T) {
	testCacheStore(t, NewMemCacheStore(100, time.Minute))
}

func TestRedisCacheStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	testCacheStore(t, NewRedisCacheStore(rdb, time.Minute))
}
