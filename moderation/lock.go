package moderation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrLockLost = errors.New("domain lock is no longer held")

// DomainLocker provides mutual exclusion for fan-out of a domain across several processes sharing a database.
type DomainLocker interface {
	// TryLock returns (nil, false, nil) if the lock is currently held by someone else.
	TryLock(ctx context.Context, domain string) (DomainLock, bool, error)
	TTL() time.Duration
}

type DomainLock interface {
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// RedisLocker implements DomainLocker with SET NX and an expiry. Release and extend only act on a lock held by the same owner token.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ DomainLocker = (*RedisLocker)(nil)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "fedmod/lock/domain/",
		ttl:    ttl,
	}
}

func (l *RedisLocker) TTL() time.Duration {
	return l.ttl
}

func (l *RedisLocker) TryLock(ctx context.Context, domain string) (DomainLock, bool, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, false, err
	}
	lk := &redisDomainLock{
		client: l.client,
		key:    l.prefix + domain,
		value:  hex.EncodeToString(b),
		ttl:    l.ttl,
	}
	ok, err := l.client.SetNX(ctx, lk.key, lk.value, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", lk.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return lk, true, nil
}

type redisDomainLock struct {
	client *redis.Client
	key    string
	value  string
	ttl    time.Duration
}

func (l *redisDomainLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	return err
}

func (l *redisDomainLock) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}
