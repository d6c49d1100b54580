package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/retry"
	"campaign-dialer/internal/telephony"
)

var _ telephony.OutcomeSink = (*Dispatcher)(nil)

// HandleStatus applies a provider status change. When the call ends it
// records the outcome on the call log and the queue entry, then schedules a
// retry for retryable outcomes. Duplicate end callbacks are ignored.
func (d *Dispatcher) HandleStatus(ctx context.Context, ev telephony.StatusEvent) error {
	if !ev.Status.Valid() {
		return fmt.Errorf("dispatcher: status %q: %w", ev.Status, telephony.ErrInvalidStatus)
	}
	call, err := d.Calls.FindByProviderID(ctx, ev.ProviderCallID)
	if errors.Is(err, calls.ErrNotFound) {
		return telephony.ErrUnknownCall
	}
	if err != nil {
		return fmt.Errorf("dispatcher: find call: %w", err)
	}
	now := d.now()

	if !ev.Ended() {
		_, err := d.Calls.UpdateStatus(ctx, call.ID, calls.Update{Status: ev.Status, DurationSeconds: ev.DurationSeconds}, now)
		if errors.Is(err, calls.ErrAlreadyEnded) {
			return nil
		}
		return err
	}

	outcome := ev.Outcome
	if !outcome.Valid() {
		outcome = outcomeForStatus(ev.Status)
	}
	updated, err := d.Calls.UpdateStatus(ctx, call.ID, calls.Update{
		Status:          ev.Status,
		Outcome:         outcome,
		DurationSeconds: ev.DurationSeconds,
	}, now)
	if errors.Is(err, calls.ErrAlreadyEnded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatcher: update call: %w", err)
	}

	d.publish(ctx, events.New(events.TypeCallOutcome, call.AccountID, call.CampaignID, call.LeadID, map[string]any{
		"call_id":  call.ID,
		"status":   updated.Status,
		"outcome":  outcome,
		"duration": updated.DurationSeconds,
	}))

	if call.QueueEntryID == "" {
		return nil
	}
	return d.finishEntry(ctx, call.QueueEntryID, call.CampaignID, call.LeadID, outcome)
}

// finishEntry closes the queue entry for an ended call and, if the outcome
// is retryable, enqueues the retry.
func (d *Dispatcher) finishEntry(ctx context.Context, entryID, campaignID, leadID string, outcome calls.Outcome) error {
	qOutcome := queue.OutcomeFailed
	if outcome == calls.OutcomeAnswered {
		qOutcome = queue.OutcomeCompleted
	}
	entry, err := d.Queue.RecordOutcome(ctx, entryID, qOutcome, string(outcome))
	if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrNotFound) {
		// Superseded by a force dispatch or removed by an operator.
		d.log.Warn("outcome for entry no longer calling", "entry_id", entryID, "outcome", outcome)
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatcher: record outcome: %w", err)
	}
	if qOutcome == queue.OutcomeCompleted || !retry.IsRetryable(outcome) {
		return nil
	}

	res, err := d.Retry.ScheduleRetry(ctx, campaignID, leadID, string(outcome))
	if errors.Is(err, retry.ErrPriorEntryActive) || errors.Is(err, queue.ErrConflict) {
		d.log.Warn("retry skipped, lead already has an active entry", "campaign_id", campaignID, "lead_id", leadID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("dispatcher: schedule retry: %w", err)
	}
	d.Metrics.Retry(res.Scheduled)
	if res.Scheduled {
		d.publish(ctx, events.New(events.TypeRetryScheduled, entry.AccountID, campaignID, leadID, map[string]any{
			"entry_id":      res.Entry.ID,
			"next_retry_at": res.Schedule.NextRetryAt,
			"attempts":      res.Entry.Attempts,
			"best_time":     res.Schedule.UsedBestTime,
		}))
	} else {
		d.publish(ctx, events.New(events.TypeRetryExhausted, entry.AccountID, campaignID, leadID, map[string]any{
			"attempts": entry.Attempts,
		}))
	}
	return nil
}

func outcomeForStatus(s calls.Status) calls.Outcome {
	switch s {
	case calls.StatusCompleted:
		return calls.OutcomeAnswered
	case calls.StatusNoAnswer:
		return calls.OutcomeNoAnswer
	case calls.StatusBusy:
		return calls.OutcomeBusy
	case calls.StatusCanceled:
		return calls.OutcomeCanceled
	}
	return calls.OutcomeFailed
}
