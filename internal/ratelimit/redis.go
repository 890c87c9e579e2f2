package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments a window counter atomically.
// KEYS[1] = counter key
// ARGV[1] = window in milliseconds
// ARGV[2] = max requests; the counter stops at max+1
// Returns {count, pttl}.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local max = tonumber(ARGV[2])

local count = tonumber(redis.call("GET", key) or "0")
if count <= max then
    count = redis.call("INCR", key)
end

local ttl = redis.call("PTTL", key)
if ttl < 0 then
    redis.call("PEXPIRE", key, window)
    ttl = window
end

return {count, ttl}
`)

// RedisBackend shares windows across service instances. Key expiry replaces
// the in-memory sweep.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to the Redis instance at url (redis://...).
func NewRedisBackend(url string) (*RedisBackend, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opt)}, nil
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Hit implements Backend.
func (r *RedisBackend) Hit(ctx context.Context, key string, max int, window time.Duration, now time.Time) (int, time.Time, error) {
	res, err := fixedWindowScript.Run(ctx, r.client, []string{"ratelimit:" + key}, window.Milliseconds(), max).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis limiter error: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return 0, time.Time{}, fmt.Errorf("invalid response from lua script")
	}
	count, _ := values[0].(int64)
	ttl, _ := values[1].(int64)

	return int(count), now.Add(time.Duration(ttl) * time.Millisecond), nil
}

// Close closes the client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
