package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"github.com/redis/go-redis/v9"
)

const suspendQuotaKey = "fedmod:quota:suspends"

// redisQuotaStore keeps sliding window counts in Redis, so that every process shares the daily suspension quota
type redisQuotaStore struct {
	client *redis.Client
	ttl    time.Duration
}

func (d *redisQuotaStore) fullKey(key string, start int64) string {
	return fmt.Sprintf("%s@%d", key, start)
}

func (d *redisQuotaStore) Add(key string, start, delta int64) (int64, error) {
	ctx := context.Background()
	k := d.fullKey(key, start)
	n, err := d.client.IncrBy(ctx, k, delta).Result()
	if err != nil {
		return 0, err
	}
	d.client.Expire(ctx, k, d.ttl)
	return n, nil
}

func (d *redisQuotaStore) Get(key string, start int64) (int64, error) {
	v, err := d.client.Get(context.Background(), d.fullKey(key, start)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// UseSharedSuspendQuota switches the daily domain suspension quota to a window synced through Redis. Counts already taken by this process are not carried over.
func (e *Engine) UseSharedSuspendQuota(client *redis.Client) {
	size := time.Hour * 24
	store := &redisQuotaStore{client: client, ttl: 2 * size}
	newWindow := func() (slidingwindow.Window, slidingwindow.StopFunc) {
		// zero interval: every Allow syncs with Redis
		return slidingwindow.NewSyncWindow(suspendQuotaKey, slidingwindow.NewBlockingSynchronizer(store, 0))
	}

	e.quotaLk.Lock()
	defer e.quotaLk.Unlock()
	e.suspendQuota = perDayLimiter(e.suspendQuota.Limit(), newWindow)
	e.quotaStore = store
}
