package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces rate window keys.
const DefaultRedisPrefix = "tether:rate:"

// rateWindowScript advances one fixed window atomically.
// KEYS[1] = window key
// ARGV[1] = now (unix milliseconds)
// ARGV[2] = window length (milliseconds)
var rateWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local state = redis.call("HMGET", key, "count", "start")
local count = tonumber(state[1])
local start = tonumber(state[2])

if not count or not start or now - start > window then
    count = 1
    start = now
else
    count = count + 1
end

redis.call("HSET", key, "count", count, "start", start)
redis.call("PEXPIRE", key, window * 2)

return count
`)

// RedisRateStore keeps rate windows in Redis so several processes can
// share one budget per tool.
type RedisRateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRateStore connects to a single Redis server.
func NewRedisRateStore(addr, password string, db int) *RedisRateStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisRateStore{client: rdb, prefix: DefaultRedisPrefix}
}

// NewRedisRateStoreWithClient uses an existing client. An empty prefix
// selects DefaultRedisPrefix.
func NewRedisRateStoreWithClient(client redis.UniversalClient, prefix string) *RedisRateStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRateStore{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *RedisRateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Hit implements [RateStore].
func (s *RedisRateStore) Hit(ctx context.Context, name string, now time.Time, window time.Duration) (int, error) {
	key := s.prefix + name
	n, err := rateWindowScript.Run(ctx, s.client, []string{key}, now.UnixMilli(), window.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis rate window %s: %w", name, err)
	}
	return n, nil
}

// Close releases the client.
func (s *RedisRateStore) Close() error {
	return s.client.Close()
}
