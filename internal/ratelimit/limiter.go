// Package ratelimit enforces account-wide and per-lead contact frequency
// ceilings with Redis fixed-window counters, so limits hold across dialer
// instances.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"campaign-dialer/internal/settings"
	"campaign-dialer/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Unlimited is the allowance reported when limiting is off.
const Unlimited = 1 << 30

type Limiter struct {
	settings *settings.Cache[Settings]
	rdb      *redis.Client
	clock    func() time.Time
}

func NewLimiter(cache *settings.Cache[Settings], rdb *redis.Client) *Limiter {
	return &Limiter{settings: cache, rdb: rdb, clock: time.Now}
}

// WithClock replaces the limiter clock. Intended for tests.
func (l *Limiter) WithClock(clock func() time.Time) *Limiter {
	l.clock = clock
	return l
}

func (l *Limiter) Settings(ctx context.Context, accountID string) (Settings, error) {
	return l.settings.Get(ctx, accountID)
}

func (l *Limiter) UpdateSettings(ctx context.Context, accountID string, s Settings) (Settings, error) {
	return l.settings.Update(ctx, accountID, s)
}

func minuteKey(accountID string, ch Channel, t time.Time) string {
	return fmt.Sprintf("dialer:rl:%s:%s:m:%s", accountID, ch, t.Format("200601021504"))
}

func hourKey(accountID string, ch Channel, t time.Time) string {
	return fmt.Sprintf("dialer:rl:%s:%s:h:%s", accountID, ch, t.Format("2006010215"))
}

func leadDayKey(accountID, leadID string, ch Channel, t time.Time) string {
	return fmt.Sprintf("dialer:rl:%s:%s:lead:%s:d:%s", accountID, ch, leadID, t.Format("20060102"))
}

func leadLastKey(accountID, leadID string, ch Channel) string {
	return fmt.Sprintf("dialer:rl:%s:%s:lead:%s:last", accountID, ch, leadID)
}

// Allowance is how many more contacts the account may start right now on ch.
func (l *Limiter) Allowance(ctx context.Context, accountID string, ch Channel) (int, error) {
	s, err := l.settings.Get(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if !s.EnableRateLimiting {
		return Unlimited, nil
	}
	lim := s.limits(ch)
	now := l.clock().UTC()

	allowance := Unlimited
	windows := []struct {
		limit int
		key   string
	}{
		{lim.perMinute, minuteKey(accountID, ch, now)},
		{lim.perHour, hourKey(accountID, ch, now)},
	}
	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		used, err := utils.CounterValue(ctx, l.rdb, w.key)
		if err != nil {
			return 0, fmt.Errorf("ratelimit: read window: %w", err)
		}
		left := w.limit - int(used)
		if left < 0 {
			left = 0
		}
		if left < allowance {
			allowance = left
		}
	}
	return allowance, nil
}

// Decision is the per-lead verdict. RetryAt is set when Allowed is false.
type Decision struct {
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason,omitempty"`
	RetryAt time.Time `json:"retry_at,omitempty"`
	// Defer is true when the caller should reschedule rather than fail.
	Defer bool `json:"defer"`
}

// CheckLead applies the per-lead daily ceiling and minimum interval.
func (l *Limiter) CheckLead(ctx context.Context, accountID, leadID string, ch Channel) (Decision, error) {
	s, err := l.settings.Get(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	if !s.EnableRateLimiting {
		return Decision{Allowed: true}, nil
	}
	lim := s.limits(ch)
	now := l.clock().UTC()

	if lim.perLeadDay > 0 {
		used, err := utils.CounterValue(ctx, l.rdb, leadDayKey(accountID, leadID, ch, now))
		if err != nil {
			return Decision{}, fmt.Errorf("ratelimit: read lead window: %w", err)
		}
		if int(used) >= lim.perLeadDay {
			y, m, d := now.Date()
			return Decision{
				Reason:  "lead daily limit reached",
				RetryAt: time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC),
				Defer:   s.PauseOnLimitReached,
			}, nil
		}
	}

	if lim.minInterval > 0 {
		raw, err := l.rdb.Get(ctx, leadLastKey(accountID, leadID, ch)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return Decision{}, fmt.Errorf("ratelimit: read last contact: %w", err)
		}
		if err == nil {
			ms, perr := strconv.ParseInt(raw, 10, 64)
			if perr == nil {
				next := time.UnixMilli(ms).UTC().Add(time.Duration(lim.minInterval) * time.Minute)
				if now.Before(next) {
					return Decision{
						Reason:  "minimum contact interval not elapsed",
						RetryAt: next,
						Defer:   s.PauseOnLimitReached,
					}, nil
				}
			}
		}
	}
	return Decision{Allowed: true}, nil
}

// RecordContact counts one contact against every window.
func (l *Limiter) RecordContact(ctx context.Context, accountID, leadID string, ch Channel) error {
	s, err := l.settings.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if !s.EnableRateLimiting {
		return nil
	}
	lim := s.limits(ch)
	now := l.clock().UTC()

	if _, err := utils.IncrWindow(ctx, l.rdb, minuteKey(accountID, ch, now), 1, 2*time.Minute); err != nil {
		return fmt.Errorf("ratelimit: minute window: %w", err)
	}
	if _, err := utils.IncrWindow(ctx, l.rdb, hourKey(accountID, ch, now), 1, 2*time.Hour); err != nil {
		return fmt.Errorf("ratelimit: hour window: %w", err)
	}
	if leadID == "" {
		return nil
	}
	if _, err := utils.IncrWindow(ctx, l.rdb, leadDayKey(accountID, leadID, ch, now), 1, 48*time.Hour); err != nil {
		return fmt.Errorf("ratelimit: lead window: %w", err)
	}

	ttl := 24 * time.Hour
	if iv := time.Duration(lim.minInterval) * time.Minute; iv > ttl {
		ttl = iv
	}
	if err := l.rdb.Set(ctx, leadLastKey(accountID, leadID, ch), now.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("ratelimit: last contact: %w", err)
	}
	return nil
}
