package mutation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis lock defaults.
const (
	DefaultLockTTL      = 5 * time.Minute
	DefaultLockPoll     = 50 * time.Millisecond
	redisLockKeyPrefix  = "foreman:lock:"
	redisReleaseTimeout = 2 * time.Second
)

// redisReleaseScript deletes the lock only if this holder still owns it.
// KEYS[1] = lock key
// ARGV[1] = holder token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes mutations across processes with SET NX PX locks.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisLocker connects to addr.
func NewRedisLocker(addr, password string, db int) *RedisLocker {
	return NewRedisLockerFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, ttl: DefaultLockTTL, poll: DefaultLockPoll}
}

// WithTTL sets how long a lock survives a crashed holder.
func (l *RedisLocker) WithTTL(ttl time.Duration) *RedisLocker {
	if ttl > 0 {
		l.ttl = ttl
	}
	return l
}

// Ping checks connectivity.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (l *RedisLocker) Close() error { return l.client.Close() }

func (l *RedisLocker) Acquire(ctx context.Context, resource string) (func(), error) {
	key := redisLockKeyPrefix + resource
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", resource, err)
		}
		if ok {
			break
		}
		if err := sleepContext(ctx, l.poll); err != nil {
			return nil, err
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisReleaseTimeout)
		defer cancel()
		// An error leaves the key to expire via its TTL.
		_ = redisReleaseScript.Run(rctx, l.client, []string{key}, token).Err()
	}, nil
}

// StaleLocks lists resources whose lock was taken more than maxAge ago,
// derived from the remaining TTL of each lock key.
func (l *RedisLocker) StaleLocks(ctx context.Context, maxAge time.Duration) ([]string, error) {
	var stale []string
	iter := l.client.Scan(ctx, 0, redisLockKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		remaining, err := l.client.PTTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock ttl %s: %w", key, err)
		}
		if remaining <= 0 {
			continue
		}
		if l.ttl-remaining > maxAge {
			stale = append(stale, strings.TrimPrefix(key, redisLockKeyPrefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis lock scan: %w", err)
	}
	sort.Strings(stale)
	return stale, nil
}
