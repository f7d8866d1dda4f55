package ratebudget

import (
	"context"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/ajitpratap0/datavault/pkg/config"
)

// reserveScript performs the check-and-increment as one atomic unit on
// the Redis server. Returning 0 means the window is full; the counter
// is never incremented past the limit.
const reserveScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
if current + n > max then
	return 0
end
local v = redis.call("INCRBY", KEYS[1], n)
if v == n then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`

// RedisStore is a CounterStore backed by a shared Redis instance,
// usable across worker processes.
type RedisStore struct {
	pool   *redis.Pool
	script *redis.Script
}

// NewRedisStore creates a RedisStore with a connection pool sized from
// the configuration.
func NewRedisStore(cfg config.RateStoreConfig) *RedisStore {
	pool := &redis.Pool{
		MaxIdle: cfg.MaxIdle,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", cfg.RedisAddr,
				redis.DialDatabase(cfg.RedisDB),
				redis.DialConnectTimeout(cfg.DialTimeout))
		},
	}
	return &RedisStore{
		pool:   pool,
		script: redis.NewScript(1, reserveScript),
	}
}

// Add implements CounterStore via the atomic reserve script.
func (s *RedisStore) Add(ctx context.Context, key string, n, max int64, expiry time.Duration) (bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	granted, err := redis.Int(s.script.Do(conn, key, n, max, expiry.Milliseconds()))
	if err != nil {
		return false, err
	}
	return granted == 1, nil
}

// Close shuts down the connection pool.
func (s *RedisStore) Close() error {
	return s.pool.Close()
}
