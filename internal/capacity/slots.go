package capacity

import (
	"context"
	"fmt"
	"time"

	"campaign-dialer/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// SlotLimiter guards per-platform transfer slots across dialer instances.
type SlotLimiter interface {
	Acquire(ctx context.Context, accountID string, platform Platform, limit int) (bool, error)
	Release(ctx context.Context, accountID string, platform Platform) error
}

// RedisSlots keeps one Lua-guarded counter per (account, platform).
type RedisSlots struct {
	rdb *redis.Client
	// ttl bounds how long a leaked slot survives a crashed process.
	ttl time.Duration
}

func NewRedisSlots(rdb *redis.Client, ttl time.Duration) *RedisSlots {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisSlots{rdb: rdb, ttl: ttl}
}

func slotKey(accountID string, platform Platform) string {
	return fmt.Sprintf("dialer:transfer_slots:%s:%s", accountID, platform)
}

func (s *RedisSlots) Acquire(ctx context.Context, accountID string, platform Platform, limit int) (bool, error) {
	return utils.AcquireSlot(ctx, s.rdb, slotKey(accountID, platform), limit, s.ttl)
}

func (s *RedisSlots) Release(ctx context.Context, accountID string, platform Platform) error {
	return utils.ReleaseSlot(ctx, s.rdb, slotKey(accountID, platform))
}
