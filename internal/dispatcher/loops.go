package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/metrics"
	"campaign-dialer/internal/pacing"
)

// Tick is the dispatch loop task.
func (d *Dispatcher) Tick(ctx context.Context) error {
	_, err := d.DispatchAll(ctx)
	return err
}

// activeAccounts lists accounts with pending work or a call started within
// the lookback, so pacing state stays current after the queue drains.
func (d *Dispatcher) activeAccounts(ctx context.Context, lookback time.Duration) ([]string, error) {
	pending, err := d.Queue.AccountsWithPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: list accounts: %w", err)
	}
	recent, err := d.Calls.AccountsWithCallsSince(ctx, d.now().Add(-lookback))
	if err != nil {
		return nil, fmt.Errorf("dispatcher: list accounts with calls: %w", err)
	}
	out := append(pending, recent...)
	slices.Sort(out)
	return slices.Compact(out), nil
}

// EvaluatePacing is the pacing loop task. One account failing does not stop
// the others.
func (d *Dispatcher) EvaluatePacing(ctx context.Context) error {
	accounts, err := d.activeAccounts(ctx, d.opts.PacingLookback)
	if err != nil {
		return err
	}
	var errs []error
	for _, acct := range accounts {
		if _, err := d.Pacing.Evaluate(ctx, acct); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", acct, err))
		}
	}
	return errors.Join(errs...)
}

// LearnBestTimes is the best-time learning loop task.
func (d *Dispatcher) LearnBestTimes(ctx context.Context) error {
	accounts, err := d.activeAccounts(ctx, d.opts.PacingLookback)
	if err != nil {
		return err
	}
	var errs []error
	for _, acct := range accounts {
		if _, err := d.Retry.LearnBestTimes(ctx, acct); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", acct, err))
		}
	}
	return errors.Join(errs...)
}

// PacingObserver exports pacing gauges and raises compliance alerts to the
// audit log and the event stream so operators see them.
type PacingObserver struct {
	Audit   *audit.Service
	Events  events.Publisher
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

var _ pacing.Observer = PacingObserver{}

func (o PacingObserver) PacingEvaluated(ctx context.Context, accountID string, m pacing.Metrics) {
	o.Metrics.Pacing(accountID, m.TargetDialRate, m.AnswerRate, m.AbandonmentRate)
	if !m.ComplianceViolation {
		return
	}
	o.Metrics.ComplianceAlert(accountID)

	log := o.Log
	if log == nil {
		log = slog.Default()
	}
	msg := fmt.Sprintf("abandonment rate %.1f%% above ceiling; dial rate %.1f -> %.1f per minute",
		m.AbandonmentRate*100, m.CurrentDialRate, m.TargetDialRate)
	if o.Audit != nil {
		if err := o.Audit.LogComplianceAlert(ctx, accountID, msg, m); err != nil {
			log.Warn("audit compliance alert failed", "account_id", accountID, "err", err)
		}
	}
	if o.Events != nil {
		if err := o.Events.Publish(ctx, events.New(events.TypeComplianceAlert, accountID, "", "", m)); err != nil {
			log.Warn("publish compliance alert failed", "account_id", accountID, "err", err)
		}
	}
}
