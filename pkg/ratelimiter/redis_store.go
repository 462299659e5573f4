package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces bucket keys.
const DefaultRedisPrefix = "pharmaq:ratelimit:"

// takeScript refills and consumes atomically. Times are unix milliseconds.
// Returns {allowed, tokens, last_refill}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local n = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

if now > last then
  local intervals = math.floor((now - last) / interval)
  if intervals > 0 then
    tokens = math.min(tokens + intervals * rate, capacity)
    if tokens == capacity then
      last = now
    else
      last = last + intervals * interval
    end
  end
end

local allowed = 0
if tokens >= n then
  tokens = tokens - n
  allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'last', last)
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tokens, last}
`)

// RedisStore shares buckets between replicas. Bucket keys expire once a
// bucket would be full again.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisPrefix replaces DefaultRedisPrefix.
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(rs *RedisStore) {
		if prefix != "" {
			rs.prefix = prefix
		}
	}
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, ErrStoreNil
	}
	rs := &RedisStore{client: client, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(rs)
	}
	return rs, nil
}

// Take implements Store.
func (rs *RedisStore) Take(ctx context.Context, key string, n int, cfg Config, now time.Time) (State, error) {
	interval := max(cfg.RefillInterval.Milliseconds(), 1)
	fullIn := int64((cfg.Capacity+cfg.RefillRate-1)/cfg.RefillRate) * interval
	ttl := fullIn + interval

	res, err := takeScript.Run(ctx, rs.client, []string{rs.prefix + key},
		cfg.Capacity, cfg.RefillRate, interval, now.UnixMilli(), n, ttl,
	).Int64Slice()
	if err != nil {
		return State{}, fmt.Errorf("take tokens for %q: %w", key, err)
	}
	if len(res) != 3 {
		return State{}, fmt.Errorf("take tokens for %q: unexpected reply length %d", key, len(res))
	}

	return State{
		Allowed:    res[0] == 1,
		Tokens:     int(res[1]),
		LastRefill: time.UnixMilli(res[2]),
	}, nil
}

// Reset implements Store.
func (rs *RedisStore) Reset(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, rs.prefix+key).Err(); err != nil {
		return fmt.Errorf("reset bucket %q: %w", key, err)
	}
	return nil
}
