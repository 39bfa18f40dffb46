package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "signalbox:lease:"

// releaseScript deletes the key only if its value is the caller's holder id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key's TTL only if its value is the caller's holder id.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisManager keeps leases as Redis keys with a native TTL. An expired
// lease disappears on its own, so SET NX is both acquisition and takeover.
type RedisManager struct {
	client redis.UniversalClient
}

// NewRedisManager wraps an existing client.
func NewRedisManager(client redis.UniversalClient) *RedisManager {
	return &RedisManager{client: client}
}

// DialRedis parses url, connects, and pings the server.
func DialRedis(ctx context.Context, url string) (*RedisManager, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lease: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("lease: ping redis: %w", err)
	}
	return &RedisManager{client: client}, nil
}

func redisKey(key Key) string {
	return redisKeyPrefix + key.SessionID + ":" + key.ContentHash
}

// Acquire sets the key with NX and a millisecond TTL.
func (m *RedisManager) Acquire(ctx context.Context, key Key, holder string, ttl time.Duration) (bool, error) {
	if err := validate(key, holder); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := m.client.SetNX(ctx, redisKey(key), holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease: acquire %s: %w", key, err)
	}
	return ok, nil
}

// Renew extends the TTL if holder still owns the key.
func (m *RedisManager) Renew(ctx context.Context, key Key, holder string, ttl time.Duration) (bool, error) {
	if err := validate(key, holder); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	n, err := renewScript.Run(ctx, m.client, []string{redisKey(key)}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("lease: renew %s: %w", key, err)
	}
	return n == 1, nil
}

// Release deletes the key if holder still owns it.
func (m *RedisManager) Release(ctx context.Context, key Key, holder string) (bool, error) {
	if err := validate(key, holder); err != nil {
		return false, err
	}
	n, err := releaseScript.Run(ctx, m.client, []string{redisKey(key)}, holder).Int64()
	if err != nil {
		return false, fmt.Errorf("lease: release %s: %w", key, err)
	}
	return n == 1, nil
}

// Holder returns the value of the key, or "" once it has expired.
func (m *RedisManager) Holder(ctx context.Context, key Key) (string, error) {
	holder, err := m.client.Get(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease: holder %s: %w", key, err)
	}
	return holder, nil
}

// SweepExpired is a no-op: Redis evicts expired keys itself.
func (m *RedisManager) SweepExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

// Close closes the underlying client.
func (m *RedisManager) Close() error {
	return m.client.Close()
}
