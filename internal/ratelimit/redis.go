package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "scheduler:ratelimit:"

// takeScript checks and increments in one round trip. Denied calls leave the
// counter untouched. Returns {allowed, count, pttl}.
var takeScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if count >= limit then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], window)
    ttl = window
  end
  return {0, count, ttl}
end
count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], window)
  ttl = window
end
return {1, count, ttl}
`)

// RedisBackend shares buckets across scheduler processes.
type RedisBackend struct {
	client redis.Cmdable
	prefix string
}

// NewRedisBackend uses client for bucket storage. The caller owns the client
// lifecycle.
func NewRedisBackend(client redis.Cmdable, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// Ping verifies the connection.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Take implements Backend. The window start is owned by Redis (key TTL), so
// now is only used to express Reset as a wall-clock time.
func (r *RedisBackend) Take(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	res, err := takeScript.Run(ctx, r.client, []string{r.prefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis take %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("redis take %s: unexpected reply %v", key, res)
	}
	ttl := time.Duration(res[2]) * time.Millisecond
	d := Decision{
		Allowed: res[0] == 1,
		Limit:   limit,
		Reset:   now.Add(ttl),
	}
	if d.Allowed {
		d.Remaining = limit - int(res[1])
	} else {
		d.RetryAfter = ttl
	}
	return d, nil
}
