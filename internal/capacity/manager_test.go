package capacity

import (
	"context"
	"testing"
	"time"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/settings"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

type fixture struct {
	m         *Manager
	calls     *calls.MemoryRepository
	transfers *MemoryTransferStore
	cache     *settings.Cache[Settings]
	clock     time.Time
}

func newFixture(t *testing.T, slots SlotLimiter) *fixture {
	t.Helper()
	f := &fixture{
		calls:     calls.NewMemoryRepository(),
		transfers: NewMemoryTransferStore(),
		cache:     settings.NewCache(SettingsKind, settings.NewMemoryStore(), DefaultSettings, time.Minute),
		clock:     now,
	}
	f.m = NewManager(f.cache, f.calls, f.transfers, slots, Options{}, nil).
		WithClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) addCall(t *testing.T, id string, status calls.Status, startedAgo time.Duration) {
	t.Helper()
	require.NoError(t, f.calls.Insert(context.Background(), calls.Call{
		ID: id, AccountID: "acct-1", Status: status, StartedAt: now.Add(-startedAgo),
	}))
}

func TestDefaultsCreatedOnFirstAccess(t *testing.T) {
	f := newFixture(t, nil)
	s, err := f.m.Settings(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), s)
}

func TestHeadroomCountsOnlyRecentActiveCalls(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.m.UpdateSettings(ctx, "acct-1", Settings{MaxConcurrentCalls: 3, CallsPerMinute: 30, MaxCallsPerAgent: 1})
	require.NoError(t, err)

	f.addCall(t, "a", calls.StatusRinging, time.Minute)
	f.addCall(t, "b", calls.StatusInProgress, 2*time.Minute)
	f.addCall(t, "stuck", calls.StatusInProgress, time.Hour)
	f.addCall(t, "done", calls.StatusCompleted, time.Minute)

	snap, err := f.m.Headroom(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Active)
	assert.Equal(t, 1, snap.Headroom)

	ok, err := f.m.CanMakeCall(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, ok)

	f.addCall(t, "c", calls.StatusInitiated, 0)
	ok, err = f.m.CanMakeCall(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecommendDialRate(t *testing.T) {
	cases := []struct {
		name        string
		current     float64
		utilization float64
		want        float64
	}{
		{"low utilization speeds up", 10, 0.2, 15},
		{"low utilization capped", 25, 0.2, 30},
		{"high utilization slows down", 10, 0.95, 7},
		{"high utilization floored", 1, 0.95, 1},
		{"middle band unchanged", 10, 0.7, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, RecommendDialRate(tc.current, tc.utilization, 1, 30), 1e-9)
		})
	}
}

func TestPlatformCapacityIsIndependent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.m.UpdateSettings(ctx, "acct-1", Settings{
		MaxConcurrentCalls: 10, CallsPerMinute: 30, MaxCallsPerAgent: 1,
		VapiMaxConcurrent: 1, RetellMaxConcurrent: 2,
	})
	require.NoError(t, err)

	_, err = f.m.BeginTransfer(ctx, "acct-1", "call-1", PlatformVapi)
	require.NoError(t, err)

	_, err = f.m.BeginTransfer(ctx, "acct-1", "call-2", PlatformVapi)
	assert.ErrorIs(t, err, ErrCapacityExhausted)

	ok, err := f.m.CanTransferToPlatform(ctx, "acct-1", PlatformRetell)
	require.NoError(t, err)
	assert.True(t, ok)

	pc, err := f.m.PlatformCapacity(ctx, "acct-1", PlatformVapi)
	require.NoError(t, err)
	assert.Equal(t, PlatformCapacity{Platform: PlatformVapi, Active: 1, Max: 1, Available: 0, UtilizationRate: 1}, pc)

	_, err = f.m.PlatformCapacity(ctx, "acct-1", Platform("other"))
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestCleanupStuckTransfersReleasesSlots(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	f := newFixture(t, NewRedisSlots(rdb, time.Hour))
	ctx := context.Background()
	_, err := f.m.UpdateSettings(ctx, "acct-1", Settings{
		MaxConcurrentCalls: 10, CallsPerMinute: 30, MaxCallsPerAgent: 1, VapiMaxConcurrent: 1,
	})
	require.NoError(t, err)

	_, err = f.m.BeginTransfer(ctx, "acct-1", "call-1", PlatformVapi)
	require.NoError(t, err)
	assert.Equal(t, "1", mustGet(t, mr, slotKey("acct-1", PlatformVapi)))

	f.clock = now.Add(10 * time.Minute)
	closed, err := f.m.CleanupStuckTransfers(ctx)
	require.NoError(t, err)
	assert.Empty(t, closed)

	f.clock = now.Add(31 * time.Minute)
	closed, err = f.m.CleanupStuckTransfers(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, TransferTimedOut, closed[0].Status)
	assert.False(t, mr.Exists(slotKey("acct-1", PlatformVapi)))

	ok, err := f.m.CanTransferToPlatform(ctx, "acct-1", PlatformVapi)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEndTransfer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tr, err := f.m.BeginTransfer(ctx, "acct-1", "call-1", PlatformRetell)
	require.NoError(t, err)

	_, err = f.m.EndTransfer(ctx, "acct-2", tr.ID)
	assert.ErrorIs(t, err, ErrTransferNotFound)

	ended, err := f.m.EndTransfer(ctx, "acct-1", tr.ID)
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, ended.Status)

	_, err = f.m.EndTransfer(ctx, "acct-1", tr.ID)
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestBeginTransfer_QueuesWhenPlatformFull(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	f := newFixture(t, NewRedisSlots(rdb, time.Hour))
	ctx := context.Background()
	_, err := f.m.UpdateSettings(ctx, "acct-1", Settings{
		MaxConcurrentCalls: 10, CallsPerMinute: 30, MaxCallsPerAgent: 1,
		VapiMaxConcurrent: 1, TransferQueueEnabled: true,
	})
	require.NoError(t, err)

	first, err := f.m.BeginTransfer(ctx, "acct-1", "call-1", PlatformVapi)
	require.NoError(t, err)
	assert.Equal(t, TransferActive, first.Status)

	f.clock = now.Add(time.Second)
	second, err := f.m.BeginTransfer(ctx, "acct-1", "call-2", PlatformVapi)
	require.NoError(t, err)
	assert.Equal(t, TransferQueued, second.Status)

	f.clock = now.Add(2 * time.Second)
	third, err := f.m.BeginTransfer(ctx, "acct-1", "call-3", PlatformVapi)
	require.NoError(t, err)
	assert.Equal(t, TransferQueued, third.Status)

	pc, err := f.m.PlatformCapacity(ctx, "acct-1", PlatformVapi)
	require.NoError(t, err)
	assert.Equal(t, 1, pc.Active)
	assert.Equal(t, "1", mustGet(t, mr, slotKey("acct-1", PlatformVapi)))

	f.clock = now.Add(time.Minute)
	_, err = f.m.EndTransfer(ctx, "acct-1", first.ID)
	require.NoError(t, err)

	// the oldest waiter takes the freed slot
	pc, err = f.m.PlatformCapacity(ctx, "acct-1", PlatformVapi)
	require.NoError(t, err)
	assert.Equal(t, 1, pc.Active)
	assert.Equal(t, "1", mustGet(t, mr, slotKey("acct-1", PlatformVapi)))

	_, err = f.m.EndTransfer(ctx, "acct-1", third.ID)
	require.NoError(t, err)
	canceled := f.transfers.rows[third.ID]
	assert.Equal(t, TransferCanceled, canceled.Status)

	promoted := f.transfers.rows[second.ID]
	assert.Equal(t, TransferActive, promoted.Status)
	assert.Equal(t, now.Add(time.Minute), promoted.StartedAt)
}

func TestBeginTransfer_RejectsWhenQueueDisabled(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.m.UpdateSettings(ctx, "acct-1", Settings{
		MaxConcurrentCalls: 10, CallsPerMinute: 30, MaxCallsPerAgent: 1, VapiMaxConcurrent: 1,
	})
	require.NoError(t, err)

	_, err = f.m.BeginTransfer(ctx, "acct-1", "call-1", PlatformVapi)
	require.NoError(t, err)
	_, err = f.m.BeginTransfer(ctx, "acct-1", "call-2", PlatformVapi)
	assert.ErrorIs(t, err, ErrCapacityExhausted)

	n := 0
	for _, tr := range f.transfers.rows {
		if tr.Status == TransferQueued {
			n++
		}
	}
	assert.Zero(t, n)
}

func TestCleanupStuckTransfers_PromotesAndExpiresQueued(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.m.UpdateSettings(ctx, "acct-1", Settings{
		MaxConcurrentCalls: 10, CallsPerMinute: 30, MaxCallsPerAgent: 1,
		VapiMaxConcurrent: 1, TransferQueueEnabled: true,
	})
	require.NoError(t, err)

	stuck, err := f.m.BeginTransfer(ctx, "acct-1", "call-1", PlatformVapi)
	require.NoError(t, err)
	waitedTooLong, err := f.m.BeginTransfer(ctx, "acct-1", "call-2", PlatformVapi)
	require.NoError(t, err)

	f.clock = now.Add(20 * time.Minute)
	fresh, err := f.m.BeginTransfer(ctx, "acct-1", "call-3", PlatformVapi)
	require.NoError(t, err)
	require.Equal(t, TransferQueued, fresh.Status)

	f.clock = now.Add(31 * time.Minute)
	closed, err := f.m.CleanupStuckTransfers(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 2)

	assert.Equal(t, TransferTimedOut, f.transfers.rows[stuck.ID].Status)
	assert.Equal(t, TransferTimedOut, f.transfers.rows[waitedTooLong.ID].Status)
	assert.Equal(t, TransferActive, f.transfers.rows[fresh.ID].Status)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
