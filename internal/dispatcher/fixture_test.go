package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/capacity"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/pacing"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/ratelimit"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/retry"
	"campaign-dialer/internal/settings"
	"campaign-dialer/internal/telephony"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const acct = "acct-1"

var t0 = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type config struct {
	capacity capacity.Settings
	rate     ratelimit.Settings
	retry    retry.Settings
}

func defaultConfig() config {
	cs := capacity.DefaultSettings()
	cs.MaxConcurrentCalls = 2
	cs.CallsPerMinute = 60

	rs := ratelimit.DefaultSettings()
	rs.EnableRateLimiting = false

	rt := retry.DefaultSettings()
	rt.RespectBestTime = false
	return config{capacity: cs, rate: rs, retry: rt}
}

type fixture struct {
	d         *Dispatcher
	clk       *clock
	queue     *queue.Service
	qstore    *queue.MemoryStore
	calls     *calls.MemoryRepository
	camps     *campaigns.MemoryStore
	placer    *telephony.MemoryPlacer
	pub       *events.MemoryPublisher
	audit     *audit.Service
	capacity  *capacity.Manager
	pacing    *pacing.Controller
	limiter   *ratelimit.Limiter
	retry     *retry.Scheduler
	transfers *capacity.MemoryTransferStore
}

func newFixture(t *testing.T, cfg config) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := &clock{now: t0}
	store := settings.NewMemoryStore()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	capCache := settings.NewCache(capacity.SettingsKind, store, capacity.DefaultSettings, time.Minute)
	_, err := capCache.Update(ctx, acct, cfg.capacity)
	require.NoError(t, err)
	rateCache := settings.NewCache(ratelimit.SettingsKind, store, ratelimit.DefaultSettings, time.Minute)
	_, err = rateCache.Update(ctx, acct, cfg.rate)
	require.NoError(t, err)
	retryCache := settings.NewCache(retry.SettingsKind, store, retry.DefaultSettings, time.Minute)
	_, err = retryCache.Update(ctx, acct, cfg.retry)
	require.NoError(t, err)
	paceCache := settings.NewCache(pacing.SettingsKind, store, pacing.DefaultSettings, time.Minute)

	f := &fixture{
		clk:       clk,
		qstore:    queue.NewMemoryStore(),
		calls:     calls.NewMemoryRepository(),
		camps:     campaigns.NewMemoryStore(),
		placer:    telephony.NewMemoryPlacer(),
		pub:       events.NewMemoryPublisher(),
		audit:     audit.NewService(audit.NewMemoryRepo()),
		transfers: capacity.NewMemoryTransferStore(),
	}
	f.queue = queue.NewService(f.qstore).WithClock(clk.Now)
	f.capacity = capacity.NewManager(capCache, f.calls, f.transfers, nil, capacity.Options{}, nil).WithClock(clk.Now)
	observer := PacingObserver{Audit: f.audit, Events: f.pub}
	f.pacing = pacing.NewController(paceCache, reporting.NewService(f.calls), observer, nil).WithStateStore(store).WithClock(clk.Now)
	f.limiter = ratelimit.NewLimiter(rateCache, rdb).WithClock(clk.Now)
	f.retry = retry.NewScheduler(retryCache, f.queue, retry.NewMemorySlotStore(), reporting.NewService(f.calls), 0, nil).WithClock(clk.Now)

	f.d = New(Deps{
		Queue:     f.queue,
		Calls:     f.calls,
		Campaigns: f.camps,
		Capacity:  f.capacity,
		Pacing:    f.pacing,
		Limiter:   f.limiter,
		Retry:     f.retry,
		Placer:    f.placer,
		Events:    f.pub,
		Audit:     f.audit,
	}, Options{Interval: time.Minute}, nil).WithClock(clk.Now)
	return f
}

func (f *fixture) enqueue(t *testing.T, lead string, at time.Time) queue.Entry {
	t.Helper()
	e, err := f.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		AccountID:   acct,
		CampaignID:  "camp-1",
		LeadID:      lead,
		PhoneNumber: "+1555000" + lead,
		Priority:    5,
		ScheduledAt: at,
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) enqueueN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.enqueue(t, fmt.Sprintf("%02d", i), t0)
	}
}

func (f *fixture) countStatus(status queue.Status) int {
	n := 0
	for _, e := range f.qstore.All() {
		if e.Status == status {
			n++
		}
	}
	return n
}
