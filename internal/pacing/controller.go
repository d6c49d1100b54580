// Package pacing runs the slow feedback loop that sets each account's dial
// rate from observed answer and abandonment rates.
package pacing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/settings"
)

// OutcomeSource summarizes recent ended calls.
type OutcomeSource interface {
	RecentOutcomes(ctx context.Context, accountID string, window time.Duration, now time.Time) (reporting.OutcomeSummary, error)
}

// Observer is told about every evaluation. Compliance violations must be
// surfaced to operators, not merely logged.
type Observer interface {
	PacingEvaluated(ctx context.Context, accountID string, m Metrics)
}

// StateKind is the settings-store document holding the applied rate and the
// last evaluation of an account.
const StateKind = "pacing_state"

// State survives restarts so the applied rate and the compliance flag do not
// fall back to InitialDialRate.
type State struct {
	// CurrentDialRate is zero until an evaluation has been applied.
	CurrentDialRate float64  `json:"current_dial_rate"`
	Last            *Metrics `json:"last,omitempty"`
}

type Controller struct {
	settings *settings.Cache[Settings]
	outcomes OutcomeSource
	observer Observer       // optional
	store    settings.Store // optional; nil keeps state in memory only
	log      *slog.Logger

	mu     sync.Mutex
	states map[string]State

	clock func() time.Time
}

func NewController(cache *settings.Cache[Settings], outcomes OutcomeSource, observer Observer, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		settings: cache,
		outcomes: outcomes,
		observer: observer,
		log:      log,
		states:   map[string]State{},
		clock:    time.Now,
	}
}

// WithClock replaces the controller clock. Intended for tests.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// WithStateStore persists State through store.
func (c *Controller) WithStateStore(store settings.Store) *Controller {
	c.store = store
	return c
}

// state returns the account's state, loading it from the store on first use.
func (c *Controller) state(ctx context.Context, accountID string) (State, error) {
	c.mu.Lock()
	st, ok := c.states[accountID]
	c.mu.Unlock()
	if ok || c.store == nil {
		return st, nil
	}

	raw, found, err := c.store.Load(ctx, accountID, StateKind)
	if err != nil {
		return State{}, fmt.Errorf("pacing: load state: %w", err)
	}
	if found {
		if err := json.Unmarshal(raw, &st); err != nil {
			return State{}, fmt.Errorf("pacing: decode state: %w", err)
		}
	}
	c.mu.Lock()
	if cur, ok := c.states[accountID]; ok {
		st = cur
	} else {
		c.states[accountID] = st
	}
	c.mu.Unlock()
	return st, nil
}

func (c *Controller) saveState(ctx context.Context, accountID string, st State, now time.Time) error {
	c.mu.Lock()
	c.states[accountID] = st
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("pacing: encode state: %w", err)
	}
	if err := c.store.Save(ctx, accountID, StateKind, raw, now); err != nil {
		return fmt.Errorf("pacing: save state: %w", err)
	}
	return nil
}

func (c *Controller) Settings(ctx context.Context, accountID string) (Settings, error) {
	return c.settings.Get(ctx, accountID)
}

// UpdateSettings persists s. A rate outside the new bounds is clamped on the
// next read.
func (c *Controller) UpdateSettings(ctx context.Context, accountID string, s Settings) (Settings, error) {
	return c.settings.Update(ctx, accountID, s)
}

// CurrentRate is the applied dial rate, starting at InitialDialRate.
func (c *Controller) CurrentRate(ctx context.Context, accountID string) (float64, error) {
	s, err := c.settings.Get(ctx, accountID)
	if err != nil {
		return 0, err
	}
	st, err := c.state(ctx, accountID)
	if err != nil {
		return 0, err
	}
	rate := st.CurrentDialRate
	if rate <= 0 {
		rate = s.InitialDialRate
	}
	return clamp(rate, s.MinDialRate, s.MaxDialRate), nil
}

// PaceCeiling is the most calls one dispatch tick of interval may start.
func (c *Controller) PaceCeiling(ctx context.Context, accountID string, interval time.Duration) (int, error) {
	rate, err := c.CurrentRate(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return Ceiling(rate, interval), nil
}

// Evaluate observes the recent window and, when auto-adjust is on, applies
// the new rate.
func (c *Controller) Evaluate(ctx context.Context, accountID string) (Metrics, error) {
	s, err := c.settings.Get(ctx, accountID)
	if err != nil {
		return Metrics{}, err
	}
	current, err := c.CurrentRate(ctx, accountID)
	if err != nil {
		return Metrics{}, err
	}
	now := c.clock().UTC()
	sum, err := c.outcomes.RecentOutcomes(ctx, accountID, time.Duration(s.WindowMinutes)*time.Minute, now)
	if err != nil {
		return Metrics{}, fmt.Errorf("pacing: recent outcomes: %w", err)
	}

	m := Evaluate(s, Input{
		CurrentDialRate: current,
		AnswerRate:      sum.AnswerRate,
		AbandonmentRate: sum.AbandonmentRate,
		SampleSize:      sum.TotalCalls,
	})
	m.EvaluatedAt = now
	m.Applied = s.AutoAdjust

	st, err := c.state(ctx, accountID)
	if err != nil {
		return Metrics{}, err
	}
	if m.Applied {
		st.CurrentDialRate = m.TargetDialRate
	}
	last := m
	st.Last = &last
	if err := c.saveState(ctx, accountID, st, now); err != nil {
		return Metrics{}, err
	}

	attrs := []any{
		"account_id", accountID,
		"adjustment", m.RecommendedAdjustment,
		"current_rate", m.CurrentDialRate,
		"target_rate", m.TargetDialRate,
		"answer_rate", m.AnswerRate,
		"abandonment_rate", m.AbandonmentRate,
		"applied", m.Applied,
	}
	if m.ComplianceViolation {
		c.log.Warn("pacing compliance violation", attrs...)
	} else {
		c.log.Debug("pacing evaluated", attrs...)
	}
	if c.observer != nil {
		c.observer.PacingEvaluated(ctx, accountID, m)
	}
	return m, nil
}

// LastMetrics returns the most recent evaluation, including one made before
// a restart.
func (c *Controller) LastMetrics(ctx context.Context, accountID string) (Metrics, bool, error) {
	st, err := c.state(ctx, accountID)
	if err != nil || st.Last == nil {
		return Metrics{}, false, err
	}
	return *st.Last, true, nil
}
