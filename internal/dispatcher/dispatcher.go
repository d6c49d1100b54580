// Package dispatcher is the only component that asks the telephony provider
// to place calls. Each tick claims at most as many queue entries as the
// tightest of the concurrency, pacing and rate-limit ceilings allows.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/capacity"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/metrics"
	"campaign-dialer/internal/pacing"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/ratelimit"
	"campaign-dialer/internal/retry"
	"campaign-dialer/internal/telephony"
)

// ErrComplianceLimited blocks forced placement while abandonment is over
// its ceiling.
var ErrComplianceLimited = errors.New("dispatcher: abandonment rate above compliance ceiling")

type Options struct {
	// Interval is the dispatch tick; the pace ceiling is computed per tick.
	Interval time.Duration
	// PlacementBackoff delays an entry whose placement failed.
	PlacementBackoff time.Duration
	// TransientCooldown pauses all placement after the provider is unreachable.
	TransientCooldown time.Duration
	// StaleCallAfter is the age at which cleanup force-ends a live call.
	StaleCallAfter time.Duration
	// PacingLookback also keeps accounts without pending work in the pacing
	// and learning loops while they have calls this recent.
	PacingLookback time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.PlacementBackoff <= 0 {
		o.PlacementBackoff = 2 * time.Minute
	}
	if o.TransientCooldown <= 0 {
		o.TransientCooldown = time.Minute
	}
	if o.StaleCallAfter <= 0 {
		o.StaleCallAfter = 30 * time.Minute
	}
	if o.PacingLookback <= 0 {
		o.PacingLookback = 24 * time.Hour
	}
	return o
}

// Deps are the collaborators of a Dispatcher. Events, Audit and Metrics are
// optional.
type Deps struct {
	Queue     *queue.Service
	Calls     calls.Repository
	Campaigns campaigns.Store
	Capacity  *capacity.Manager
	Pacing    *pacing.Controller
	Limiter   *ratelimit.Limiter
	Retry     *retry.Scheduler
	Placer    telephony.Placer

	Events  events.Publisher
	Audit   *audit.Service
	Metrics *metrics.Metrics
}

type Dispatcher struct {
	Deps
	opts Options
	log  *slog.Logger

	inFlight atomic.Bool

	mu            sync.Mutex
	cooldownUntil time.Time

	clock func() time.Time
}

func New(deps Deps, opts Options, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}
	return &Dispatcher{Deps: deps, opts: opts.withDefaults(), log: log, clock: time.Now}
}

// WithClock replaces the dispatcher clock. Intended for tests.
func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

func (d *Dispatcher) now() time.Time { return d.clock().UTC() }

// CooldownUntil returns the end of the current transient cooldown, if any.
func (d *Dispatcher) CooldownUntil() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.now().Before(d.cooldownUntil) {
		return d.cooldownUntil, true
	}
	return time.Time{}, false
}

// enterCooldown starts or extends the cooldown. Only the first failure of a
// cooldown is reported; repeats stay quiet.
func (d *Dispatcher) enterCooldown(ctx context.Context, accountID string, cause error) {
	now := d.now()
	d.mu.Lock()
	wasCooling := now.Before(d.cooldownUntil)
	d.cooldownUntil = now.Add(d.opts.TransientCooldown)
	until := d.cooldownUntil
	d.mu.Unlock()

	if wasCooling {
		d.log.Debug("telephony still unreachable", "until", until, "err", cause)
		return
	}
	d.log.Warn("telephony unreachable, dispatch cooling down", "until", until, "err", cause)
	d.publish(ctx, events.New(events.TypeDispatchCooling, accountID, "", "", map[string]any{
		"until": until,
		"error": cause.Error(),
	}))
}

func (d *Dispatcher) publish(ctx context.Context, e events.Event) {
	if err := d.Events.Publish(ctx, e); err != nil {
		d.log.Warn("event publish failed", "type", e.Type, "err", err)
	}
}

// Summary is the result of one DispatchAll tick.
type Summary struct {
	Skipped    bool     `json:"skipped"`
	Dispatched int      `json:"dispatched"`
	Accounts   []Result `json:"accounts"`
}

// DispatchAll runs one tick for every account with pending work. If a tick
// is already in flight it returns immediately with Skipped set.
func (d *Dispatcher) DispatchAll(ctx context.Context) (Summary, error) {
	if !d.inFlight.CompareAndSwap(false, true) {
		d.Metrics.DispatchTick(string(ReasonSkipped), 0)
		return Summary{Skipped: true}, nil
	}
	defer d.inFlight.Store(false)

	accounts, err := d.Queue.AccountsWithPending(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("dispatcher: list accounts: %w", err)
	}
	var sum Summary
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		res, err := d.dispatchAccount(ctx, acct)
		if err != nil {
			d.log.Error("dispatch tick failed", "account_id", acct, "err", err)
		}
		sum.Dispatched += res.Dispatched
		sum.Accounts = append(sum.Accounts, res)
	}
	return sum, nil
}

// DispatchAccount runs one tick for a single account, as an operator's
// "dispatch now". Persistence errors are returned to the caller.
func (d *Dispatcher) DispatchAccount(ctx context.Context, accountID string) (Result, error) {
	if !d.inFlight.CompareAndSwap(false, true) {
		res := Result{AccountID: accountID, Reason: ReasonSkipped}
		if st, err := d.Queue.Stats(ctx, accountID, ""); err == nil {
			res.Diagnostics = diagnosticsFrom(st)
			res.Remaining = st.PendingTotal
		}
		res.Diagnostics.Message = message(res, time.Time{})
		return res, nil
	}
	defer d.inFlight.Store(false)
	return d.dispatchAccount(ctx, accountID)
}

func (d *Dispatcher) dispatchAccount(ctx context.Context, accountID string) (res Result, err error) {
	start := time.Now()
	res.AccountID = accountID
	defer func() {
		if err != nil {
			res.Reason = ReasonError
			res.Diagnostics.Message = "system error: " + err.Error()
		}
		d.Metrics.DispatchTick(string(res.Reason), time.Since(start))
	}()

	stats, err := d.Queue.Stats(ctx, accountID, "")
	if err != nil {
		return res, fmt.Errorf("queue stats: %w", err)
	}
	res.Diagnostics = diagnosticsFrom(stats)
	res.Remaining = stats.PendingTotal

	if until, cooling := d.CooldownUntil(); cooling {
		res.Reason = ReasonCooldown
		res.Diagnostics.Message = message(res, until)
		return res, nil
	}
	if stats.PendingEligibleNow == 0 {
		res.Reason = ReasonNoWork
		res.Diagnostics.Message = message(res, time.Time{})
		return res, nil
	}

	slots, violation, err := d.slots(ctx, accountID)
	if err != nil {
		return res, err
	}
	res.Slots = slots
	if slots.Available <= 0 {
		res.Reason = limitingReason(slots, violation)
		res.Diagnostics.Message = message(res, time.Time{})
		return res, nil
	}

	claimed, err := d.Queue.ClaimEligible(ctx, accountID, slots.Available)
	if err != nil {
		return res, fmt.Errorf("claim: %w", err)
	}

	fromByCampaign := map[string]string{}
	for i, e := range claimed {
		if until, cooling := d.CooldownUntil(); cooling {
			d.revertRemaining(ctx, claimed[i:], until)
			res.Reverted += len(claimed) - i
			break
		}
		switch d.placeEntry(ctx, e, d.fromNumber(ctx, e.CampaignID, fromByCampaign)) {
		case placed:
			res.Dispatched++
		case reverted:
			res.Reverted++
		case deferred:
			res.Deferred++
		case failed:
			res.Failed++
		}
	}
	d.Metrics.CallsDispatched(accountID, res.Dispatched)

	if after, err := d.Queue.Stats(ctx, accountID, ""); err == nil {
		res.Diagnostics = diagnosticsFrom(after)
		res.Remaining = after.PendingTotal
	}
	res.Reason = ReasonDispatched
	if res.Dispatched == 0 {
		if until, cooling := d.CooldownUntil(); cooling {
			res.Reason = ReasonCooldown
			res.Diagnostics.Message = message(res, until)
			return res, nil
		}
	}
	res.Diagnostics.Message = message(res, time.Time{})
	d.log.Info("dispatch tick",
		"account_id", accountID,
		"claimed", len(claimed),
		"dispatched", res.Dispatched,
		"reverted", res.Reverted,
		"deferred", res.Deferred,
		"remaining", res.Remaining,
	)
	return res, nil
}

// slots computes the three ceilings for this tick.
func (d *Dispatcher) slots(ctx context.Context, accountID string) (Slots, bool, error) {
	capSettings, err := d.Capacity.Settings(ctx, accountID)
	if err != nil {
		return Slots{}, false, fmt.Errorf("capacity settings: %w", err)
	}
	snap, err := d.Capacity.Headroom(ctx, accountID)
	if err != nil {
		return Slots{}, false, fmt.Errorf("headroom: %w", err)
	}
	d.Metrics.ActiveCalls(accountID, snap.Active)

	rate := float64(capSettings.CallsPerMinute)
	violation := false
	if capSettings.EnableAdaptivePacing {
		paced, err := d.Pacing.CurrentRate(ctx, accountID)
		if err != nil {
			return Slots{}, false, fmt.Errorf("pacing rate: %w", err)
		}
		recommended, err := d.Capacity.RecommendedDialRate(ctx, accountID, paced)
		if err != nil {
			return Slots{}, false, fmt.Errorf("recommended rate: %w", err)
		}
		rate = math.Min(rate, math.Min(paced, recommended))
		m, ok, err := d.Pacing.LastMetrics(ctx, accountID)
		if err != nil {
			return Slots{}, false, fmt.Errorf("pacing state: %w", err)
		}
		violation = ok && m.ComplianceViolation
	}

	allowance, err := d.Limiter.Allowance(ctx, accountID, ratelimit.ChannelCall)
	if err != nil {
		return Slots{}, false, fmt.Errorf("rate allowance: %w", err)
	}

	s := Slots{
		Headroom:      snap.Headroom,
		PaceCeiling:   pacing.Ceiling(rate, d.opts.Interval),
		RateAllowance: allowance,
	}
	s.Available = AvailableSlots(s.Headroom, s.PaceCeiling, s.RateAllowance)
	return s, violation, nil
}

func (d *Dispatcher) fromNumber(ctx context.Context, campaignID string, seen map[string]string) string {
	if from, ok := seen[campaignID]; ok {
		return from
	}
	from := ""
	if d.Campaigns != nil {
		c, err := d.Campaigns.GetCampaign(ctx, campaignID)
		if err == nil {
			from = c.FromNumber
		} else if !errors.Is(err, campaigns.ErrNotFound) {
			d.log.Warn("campaign lookup failed", "campaign_id", campaignID, "err", err)
		}
	}
	seen[campaignID] = from
	return from
}

func (d *Dispatcher) revertRemaining(ctx context.Context, entries []queue.Entry, until time.Time) {
	for _, e := range entries {
		if err := d.Queue.RevertClaimUntil(ctx, e.ID, until, "telephony cooldown"); err != nil {
			d.log.Error("revert claim failed", "entry_id", e.ID, "err", err)
		}
	}
}
