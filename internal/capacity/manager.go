// Package capacity answers "how much headroom is there right now", both for
// the account-wide call ceiling and for each voice-AI transfer platform.
//
// All figures are derived live from the call log and transfer rows; nothing
// here is a second source of truth.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"campaign-dialer/internal/settings"

	"github.com/google/uuid"
)

var (
	ErrCapacityExhausted = errors.New("capacity: no headroom")
	ErrUnknownPlatform   = errors.New("capacity: unknown platform")
	ErrTransferNotFound  = errors.New("capacity: transfer not found")
)

// ActiveCounter counts live calls started at or after since.
type ActiveCounter interface {
	CountActive(ctx context.Context, accountID string, since time.Time) (int, error)
}

type Options struct {
	// ActiveCallWindow bounds the live-call lookback so stuck rows stop
	// counting after a while.
	ActiveCallWindow time.Duration
	// StaleTransferAfter is the age at which cleanup force-closes a transfer.
	StaleTransferAfter time.Duration
	// MinDialRate is the floor for RecommendedDialRate, in calls per minute.
	MinDialRate float64
}

func (o Options) withDefaults() Options {
	if o.ActiveCallWindow <= 0 {
		o.ActiveCallWindow = 5 * time.Minute
	}
	if o.StaleTransferAfter <= 0 {
		o.StaleTransferAfter = 30 * time.Minute
	}
	if o.MinDialRate <= 0 {
		o.MinDialRate = 1
	}
	return o
}

type Manager struct {
	settings  *settings.Cache[Settings]
	calls     ActiveCounter
	transfers TransferStore
	slots     SlotLimiter // optional
	opts      Options
	log       *slog.Logger

	clock func() time.Time
}

func NewManager(cache *settings.Cache[Settings], calls ActiveCounter, transfers TransferStore, slots SlotLimiter, opts Options, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		settings:  cache,
		calls:     calls,
		transfers: transfers,
		slots:     slots,
		opts:      opts.withDefaults(),
		log:       log,
		clock:     time.Now,
	}
}

// WithClock replaces the manager clock. Intended for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

func (m *Manager) Settings(ctx context.Context, accountID string) (Settings, error) {
	return m.settings.Get(ctx, accountID)
}

// UpdateSettings validates, persists and invalidates the cached copy.
func (m *Manager) UpdateSettings(ctx context.Context, accountID string, s Settings) (Settings, error) {
	return m.settings.Update(ctx, accountID, s)
}

func (m *Manager) ActiveCallCount(ctx context.Context, accountID string) (int, error) {
	since := m.clock().UTC().Add(-m.opts.ActiveCallWindow)
	return m.calls.CountActive(ctx, accountID, since)
}

// Snapshot is the account-wide call capacity at one instant.
type Snapshot struct {
	Active          int     `json:"active"`
	Max             int     `json:"max"`
	Headroom        int     `json:"headroom"`
	UtilizationRate float64 `json:"utilization_rate"`
}

func (m *Manager) Headroom(ctx context.Context, accountID string) (Snapshot, error) {
	s, err := m.Settings(ctx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	active, err := m.ActiveCallCount(ctx, accountID)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot(active, s.MaxConcurrentCalls), nil
}

func snapshot(active, max int) Snapshot {
	out := Snapshot{Active: active, Max: max}
	if max > active {
		out.Headroom = max - active
	}
	if max > 0 {
		out.UtilizationRate = float64(active) / float64(max)
	} else {
		out.UtilizationRate = 1
	}
	return out
}

func (m *Manager) CanMakeCall(ctx context.Context, accountID string) (bool, error) {
	snap, err := m.Headroom(ctx, accountID)
	if err != nil {
		return false, err
	}
	return snap.Active < snap.Max, nil
}

type PlatformCapacity struct {
	Platform        Platform `json:"platform"`
	Active          int      `json:"active"`
	Max             int      `json:"max"`
	Available       int      `json:"available"`
	UtilizationRate float64  `json:"utilization_rate"`
}

func (m *Manager) PlatformCapacity(ctx context.Context, accountID string, platform Platform) (PlatformCapacity, error) {
	if !platform.Valid() {
		return PlatformCapacity{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	s, err := m.Settings(ctx, accountID)
	if err != nil {
		return PlatformCapacity{}, err
	}
	active, err := m.transfers.CountActive(ctx, accountID, platform)
	if err != nil {
		return PlatformCapacity{}, err
	}
	snap := snapshot(active, s.PlatformMax(platform))
	return PlatformCapacity{
		Platform:        platform,
		Active:          snap.Active,
		Max:             snap.Max,
		Available:       snap.Headroom,
		UtilizationRate: snap.UtilizationRate,
	}, nil
}

func (m *Manager) CanTransferToPlatform(ctx context.Context, accountID string, platform Platform) (bool, error) {
	pc, err := m.PlatformCapacity(ctx, accountID, platform)
	if err != nil {
		return false, err
	}
	return pc.Available > 0, nil
}

// RecommendedDialRate applies the utilization rule to currentRate
// (calls per minute). The ceiling is the account's CallsPerMinute.
func (m *Manager) RecommendedDialRate(ctx context.Context, accountID string, currentRate float64) (float64, error) {
	s, err := m.Settings(ctx, accountID)
	if err != nil {
		return 0, err
	}
	snap, err := m.Headroom(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return RecommendDialRate(currentRate, snap.UtilizationRate, m.opts.MinDialRate, float64(s.CallsPerMinute)), nil
}

// RecommendDialRate: under 50% utilization speed up by half, capped at
// ceiling; over 90% slow down by 30%, floored at floor; otherwise unchanged.
func RecommendDialRate(currentRate, utilization, floor, ceiling float64) float64 {
	switch {
	case utilization < 0.5:
		return math.Min(currentRate*1.5, ceiling)
	case utilization > 0.9:
		return math.Max(currentRate*0.7, floor)
	default:
		return currentRate
	}
}

// BeginTransfer reserves a platform slot and records the transfer. When the
// platform is full the transfer is recorded as queued if the account enables
// TransferQueueEnabled, and ErrCapacityExhausted is returned otherwise.
func (m *Manager) BeginTransfer(ctx context.Context, accountID, callID string, platform Platform) (Transfer, error) {
	if accountID == "" || callID == "" {
		return Transfer{}, fmt.Errorf("capacity: account_id and call_id required")
	}
	s, err := m.Settings(ctx, accountID)
	if err != nil {
		return Transfer{}, err
	}
	t := Transfer{
		ID:        uuid.NewString(),
		AccountID: accountID,
		CallID:    callID,
		Platform:  platform,
		Status:    TransferActive,
		StartedAt: m.clock().UTC(),
	}

	acquired, err := m.reserve(ctx, accountID, platform)
	if err != nil {
		if !errors.Is(err, ErrCapacityExhausted) || !s.TransferQueueEnabled {
			return Transfer{}, err
		}
		t.Status = TransferQueued
	}
	if err := m.transfers.Insert(ctx, t); err != nil {
		if acquired {
			m.releaseSlot(ctx, accountID, platform)
		}
		return Transfer{}, err
	}
	if t.Status == TransferQueued {
		m.log.Info("transfer queued", "account_id", accountID, "platform", platform, "transfer_id", t.ID)
	}
	return t, nil
}

// reserve checks platform headroom and takes a slot. It reports whether a
// shared slot was acquired and must be released on failure.
func (m *Manager) reserve(ctx context.Context, accountID string, platform Platform) (bool, error) {
	pc, err := m.PlatformCapacity(ctx, accountID, platform)
	if err != nil {
		return false, err
	}
	if pc.Available <= 0 {
		return false, fmt.Errorf("%w: %s at %d/%d", ErrCapacityExhausted, platform, pc.Active, pc.Max)
	}
	if m.slots == nil {
		return false, nil
	}
	ok, err := m.slots.Acquire(ctx, accountID, platform, pc.Max)
	if err != nil {
		return false, fmt.Errorf("capacity: acquire %s slot: %w", platform, err)
	}
	if !ok {
		return false, fmt.Errorf("%w: %s slots taken", ErrCapacityExhausted, platform)
	}
	return true, nil
}

// EndTransfer completes an active transfer, or cancels a queued one, and
// hands any freed slot to the oldest waiting transfer.
func (m *Manager) EndTransfer(ctx context.Context, accountID, transferID string) (Transfer, error) {
	now := m.clock().UTC()
	t, err := m.transfers.Close(ctx, accountID, transferID, TransferCompleted, now)
	if errors.Is(err, ErrTransferNotFound) {
		return m.transfers.CancelQueued(ctx, accountID, transferID, now)
	}
	if err != nil {
		return Transfer{}, err
	}
	m.releaseSlot(ctx, t.AccountID, t.Platform)
	m.promote(ctx, t.AccountID, t.Platform)
	return t, nil
}

// promote activates queued transfers while the platform has headroom.
func (m *Manager) promote(ctx context.Context, accountID string, platform Platform) {
	for {
		acquired, err := m.reserve(ctx, accountID, platform)
		if err != nil {
			if !errors.Is(err, ErrCapacityExhausted) {
				m.log.Warn("transfer promotion failed", "account_id", accountID, "platform", platform, "err", err)
			}
			return
		}
		t, ok, err := m.transfers.PromoteQueued(ctx, accountID, platform, m.clock().UTC())
		if err != nil || !ok {
			if acquired {
				m.releaseSlot(ctx, accountID, platform)
			}
			if err != nil {
				m.log.Warn("transfer promotion failed", "account_id", accountID, "platform", platform, "err", err)
			}
			return
		}
		m.log.Info("queued transfer started", "account_id", accountID, "platform", platform, "transfer_id", t.ID)
	}
}

// CleanupStuckTransfers force-closes active transfers older than the
// staleness threshold, times out queued transfers that waited as long, and
// returns everything it closed.
func (m *Manager) CleanupStuckTransfers(ctx context.Context) ([]Transfer, error) {
	now := m.clock().UTC()
	cutoff := now.Add(-m.opts.StaleTransferAfter)
	closed, err := m.transfers.CloseStale(ctx, cutoff, now)
	if err != nil {
		return nil, err
	}
	type key struct {
		account  string
		platform Platform
	}
	freed := map[key]bool{}
	for _, t := range closed {
		m.releaseSlot(ctx, t.AccountID, t.Platform)
		freed[key{t.AccountID, t.Platform}] = true
	}
	expired, err := m.transfers.ExpireQueued(ctx, cutoff, now)
	if err != nil {
		return closed, err
	}
	for k := range freed {
		m.promote(ctx, k.account, k.platform)
	}
	closed = append(closed, expired...)
	if len(closed) > 0 {
		m.log.Info("stuck transfers closed", "count", len(closed), "expired_queued", len(expired))
	}
	return closed, nil
}

func (m *Manager) releaseSlot(ctx context.Context, accountID string, platform Platform) {
	if m.slots == nil {
		return
	}
	if err := m.slots.Release(ctx, accountID, platform); err != nil {
		m.log.Warn("transfer slot release failed", "account_id", accountID, "platform", platform, "err", err)
	}
}
