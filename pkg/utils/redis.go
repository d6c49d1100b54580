package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var errNilRedis = errors.New("redis client is nil")

// RedisConfig controls the shared client. Zero values take defaults.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// OpenRedis builds a client and fails fast when the server does not answer PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 20
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     orDuration(cfg.DialTimeout, 3*time.Second),
		ReadTimeout:     orDuration(cfg.ReadTimeout, 2*time.Second),
		WriteTimeout:    orDuration(cfg.WriteTimeout, 2*time.Second),
		PoolSize:        poolSize,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, orDuration(cfg.PingTimeout, 2*time.Second))
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// acquireSlotScript increments KEYS[1] unless it would pass ARGV[1]. The key
// always carries a TTL (ARGV[2] ms) so slots leaked by a crashed process
// drain on their own.
var acquireSlotScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var releaseSlotScript = redis.NewScript(`
if redis.call('DECR', KEYS[1]) <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// AcquireSlot takes one of limit slots under key, shared by every dialer
// instance. It reports false when all slots are taken.
func AcquireSlot(ctx context.Context, rdb *redis.Client, key string, limit int, ttl time.Duration) (bool, error) {
	switch {
	case rdb == nil:
		return false, errNilRedis
	case key == "":
		return false, errors.New("key is required")
	case limit <= 0:
		return false, errors.New("limit must be > 0")
	case ttl <= 0:
		return false, errors.New("ttl must be > 0")
	}
	res, err := acquireSlotScript.Run(ctx, rdb, []string{key}, limit, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseSlot gives back a slot taken by AcquireSlot.
func ReleaseSlot(ctx context.Context, rdb *redis.Client, key string) error {
	if rdb == nil {
		return errNilRedis
	}
	if key == "" {
		return errors.New("key is required")
	}
	return releaseSlotScript.Run(ctx, rdb, []string{key}).Err()
}

var windowIncrScript = redis.NewScript(`
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return n
`)

// IncrWindow adds delta to a fixed-window counter and returns the new value.
// The TTL is set once, when the window key is first seen.
func IncrWindow(ctx context.Context, rdb *redis.Client, key string, delta int64, ttl time.Duration) (int64, error) {
	if rdb == nil {
		return 0, errNilRedis
	}
	if key == "" || ttl <= 0 {
		return 0, errors.New("key and ttl are required")
	}
	return windowIncrScript.Run(ctx, rdb, []string{key}, delta, ttl.Milliseconds()).Int64()
}

// CounterValue reads an integer counter; a missing key reads as zero.
func CounterValue(ctx context.Context, rdb *redis.Client, key string) (int64, error) {
	if rdb == nil {
		return 0, errNilRedis
	}
	n, err := rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
