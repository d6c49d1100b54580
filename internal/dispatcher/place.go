package dispatcher

import (
	"context"
	"errors"

	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/ratelimit"
	"campaign-dialer/internal/telephony"

	"github.com/google/uuid"
)

type placement int

const (
	placed placement = iota
	reverted
	deferred
	failed
)

// placeEntry places one claimed entry. A placement failure returns the entry
// to pending without counting an attempt.
func (d *Dispatcher) placeEntry(ctx context.Context, e queue.Entry, from string) placement {
	log := d.log.With("account_id", e.AccountID, "campaign_id", e.CampaignID, "lead_id", e.LeadID, "entry_id", e.ID)

	decision, err := d.Limiter.CheckLead(ctx, e.AccountID, e.LeadID, ratelimit.ChannelCall)
	if err != nil {
		log.Error("lead rate check failed", "err", err)
		d.revert(ctx, e, "rate check failed")
		return reverted
	}
	if !decision.Allowed {
		if decision.Defer {
			if err := d.Queue.RevertClaimUntil(ctx, e.ID, decision.RetryAt, decision.Reason); err != nil {
				log.Error("defer entry failed", "err", err)
			}
			log.Info("lead deferred by rate limit", "reason", decision.Reason, "retry_at", decision.RetryAt)
			return deferred
		}
		if _, err := d.Queue.RecordOutcome(ctx, e.ID, queue.OutcomeFailed, "rate_limited"); err != nil {
			log.Error("fail rate-limited entry failed", "err", err)
		}
		log.Info("lead blocked by rate limit", "reason", decision.Reason)
		return failed
	}

	res, err := d.Placer.PlaceCall(ctx, telephony.PlaceCallRequest{
		AccountID:    e.AccountID,
		CampaignID:   e.CampaignID,
		LeadID:       e.LeadID,
		QueueEntryID: e.ID,
		From:         from,
		To:           e.PhoneNumber,
		Context: map[string]string{
			"queue_entry_id": e.ID,
			"campaign_id":    e.CampaignID,
			"lead_id":        e.LeadID,
		},
	})
	if err != nil {
		transient := telephony.IsTransient(err)
		d.Metrics.PlacementFailure(transient)
		if transient {
			d.enterCooldown(ctx, e.AccountID, err)
			until, _ := d.CooldownUntil()
			if rerr := d.Queue.RevertClaimUntil(ctx, e.ID, until, "telephony unreachable"); rerr != nil {
				log.Error("revert claim failed", "err", rerr)
			}
			return reverted
		}
		log.Warn("placement failed", "placer", d.Placer.Name(), "err", err)
		d.revert(ctx, e, "placement failed: "+err.Error())
		return reverted
	}

	now := d.now()
	call := calls.Call{
		ID:             uuid.NewString(),
		AccountID:      e.AccountID,
		CampaignID:     e.CampaignID,
		LeadID:         e.LeadID,
		QueueEntryID:   e.ID,
		ProviderCallID: res.ProviderCallID,
		From:           res.From,
		To:             e.PhoneNumber,
		Status:         calls.StatusInitiated,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.Calls.Insert(ctx, call); err != nil {
		// The provider already accepted the call; the status callback will
		// not find it. Cleanup releases the entry later.
		log.Error("call log insert failed", "provider_call_id", res.ProviderCallID, "err", err)
	}
	if err := d.Limiter.RecordContact(ctx, e.AccountID, e.LeadID, ratelimit.ChannelCall); err != nil {
		log.Warn("record contact failed", "err", err)
	}
	d.publish(ctx, events.New(events.TypeCallPlaced, e.AccountID, e.CampaignID, e.LeadID, map[string]any{
		"call_id":          call.ID,
		"provider_call_id": res.ProviderCallID,
		"queue_entry_id":   e.ID,
		"attempt":          e.Attempts,
	}))
	log.Debug("call placed", "call_id", call.ID, "provider_call_id", res.ProviderCallID)
	return placed
}

func (d *Dispatcher) revert(ctx context.Context, e queue.Entry, reason string) {
	if err := d.Queue.RevertClaim(ctx, e.ID, d.opts.PlacementBackoff, reason); err != nil && !errors.Is(err, queue.ErrInvalidTransition) {
		d.log.Error("revert claim failed", "entry_id", e.ID, "err", err)
	}
}
