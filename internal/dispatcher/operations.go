package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/capacity"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/telephony"
)

type ForceResult struct {
	EntryID       string `json:"entry_id"`
	Placed        bool   `json:"placed"`
	CallsCanceled int    `json:"calls_canceled"`
	Message       string `json:"message"`
}

// ForceDispatch places the lead's call now, ignoring scheduled_at and the
// pace ceiling. Concurrency, compliance and per-lead limits still apply. Any
// live call rows for the lead are ended first and a stuck calling entry is
// re-claimed.
func (d *Dispatcher) ForceDispatch(ctx context.Context, campaignID, leadID string) (ForceResult, error) {
	if until, cooling := d.CooldownUntil(); cooling {
		return ForceResult{}, fmt.Errorf("%w: cooling down until %s", telephony.ErrUnreachable, until.Format("15:04:05"))
	}

	entry, ok, err := d.Queue.LatestForLead(ctx, campaignID, leadID)
	if err != nil {
		return ForceResult{}, err
	}
	if !ok || !entry.Status.Active() {
		if entry, err = d.enqueueLead(ctx, campaignID, leadID); err != nil {
			return ForceResult{}, err
		}
	}

	if can, err := d.Capacity.CanMakeCall(ctx, entry.AccountID); err != nil {
		return ForceResult{}, err
	} else if !can {
		return ForceResult{}, fmt.Errorf("%w: concurrency ceiling reached", capacity.ErrCapacityExhausted)
	}
	if m, ok, err := d.Pacing.LastMetrics(ctx, entry.AccountID); err != nil {
		return ForceResult{}, fmt.Errorf("dispatcher: pacing state: %w", err)
	} else if ok && m.ComplianceViolation {
		return ForceResult{}, ErrComplianceLimited
	}

	canceled, err := d.Calls.CancelActiveForLead(ctx, campaignID, leadID, d.now())
	if err != nil {
		return ForceResult{}, fmt.Errorf("dispatcher: cancel live calls: %w", err)
	}
	claimed, err := d.Queue.ClaimLead(ctx, campaignID, leadID)
	if err != nil {
		return ForceResult{}, err
	}

	out := ForceResult{EntryID: claimed.ID, CallsCanceled: len(canceled)}
	switch d.placeEntry(ctx, claimed, d.fromNumber(ctx, campaignID, map[string]string{})) {
	case placed:
		out.Placed = true
		out.Message = "call placed"
	case deferred:
		out.Message = "lead contact limit reached; entry deferred"
	case failed:
		out.Message = "lead contact limit reached; entry failed"
	default:
		if _, cooling := d.CooldownUntil(); cooling {
			return out, fmt.Errorf("%w: entry re-queued", telephony.ErrUnreachable)
		}
		out.Message = "placement failed; entry re-queued"
	}
	return out, nil
}

func (d *Dispatcher) enqueueLead(ctx context.Context, campaignID, leadID string) (queue.Entry, error) {
	if d.Campaigns == nil {
		return queue.Entry{}, fmt.Errorf("%w: no active entry for lead", queue.ErrNotFound)
	}
	camp, err := d.Campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return queue.Entry{}, mapCampaignErr(err)
	}
	lead, err := d.Campaigns.GetLead(ctx, campaignID, leadID)
	if err != nil {
		return queue.Entry{}, mapCampaignErr(err)
	}
	return d.Queue.Enqueue(ctx, queue.EnqueueRequest{
		AccountID:   camp.AccountID,
		CampaignID:  campaignID,
		LeadID:      leadID,
		PhoneNumber: lead.PhoneNumber,
		Priority:    camp.Priority,
		MaxAttempts: camp.MaxAttempts,
	})
}

func mapCampaignErr(err error) error {
	if errors.Is(err, campaigns.ErrNotFound) {
		return fmt.Errorf("%w: %v", queue.ErrNotFound, err)
	}
	return err
}

type ResetResult struct {
	Rescheduled int    `json:"rescheduled"`
	Dispatch    Result `json:"dispatch"`
	Message     string `json:"message"`
}

// ResetSchedule pulls every future pending entry forward to now and runs one
// dispatch tick for the account.
func (d *Dispatcher) ResetSchedule(ctx context.Context, accountID, campaignID string) (ResetResult, error) {
	n, err := d.Queue.RescheduleFuture(ctx, accountID, campaignID)
	if err != nil {
		return ResetResult{}, err
	}
	res, err := d.DispatchAccount(ctx, accountID)
	if err != nil {
		return ResetResult{Rescheduled: n}, err
	}
	return ResetResult{
		Rescheduled: n,
		Dispatch:    res,
		Message:     fmt.Sprintf("rescheduled %d entr(ies) to now; %s", n, res.Diagnostics.Message),
	}, nil
}

type CleanupResult struct {
	CallsTerminated int    `json:"calls_terminated"`
	ClaimsReleased  int    `json:"claims_released"`
	TransfersClosed int    `json:"transfers_closed"`
	Message         string `json:"message"`
}

// CleanupStuckCalls ends live calls older than the staleness threshold,
// releases calling entries that never got a call, and closes stuck
// transfers. It is run by an operator, never on a timer.
func (d *Dispatcher) CleanupStuckCalls(ctx context.Context, actor audit.Actor) (CleanupResult, error) {
	now := d.now()
	perAccount := map[string]*CleanupResult{}
	bump := func(acct string) *CleanupResult {
		r, ok := perAccount[acct]
		if !ok {
			r = &CleanupResult{}
			perAccount[acct] = r
		}
		return r
	}

	stale, err := d.Calls.MarkStale(ctx, now.Add(-d.opts.StaleCallAfter), now)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("dispatcher: mark stale calls: %w", err)
	}
	for _, c := range stale {
		bump(c.AccountID).CallsTerminated++
		if c.QueueEntryID == "" {
			continue
		}
		if err := d.finishEntry(ctx, c.QueueEntryID, c.CampaignID, c.LeadID, c.Outcome); err != nil {
			d.log.Error("close entry of stale call failed", "call_id", c.ID, "err", err)
		}
	}

	released, err := d.Queue.ReleaseStaleClaims(ctx, d.opts.StaleCallAfter, d.Calls.HasCallForEntry)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("dispatcher: release stale claims: %w", err)
	}
	for _, e := range released {
		bump(e.AccountID).ClaimsReleased++
	}

	closed, err := d.Capacity.CleanupStuckTransfers(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("dispatcher: cleanup transfers: %w", err)
	}
	for _, t := range closed {
		bump(t.AccountID).TransfersClosed++
	}

	total := CleanupResult{CallsTerminated: len(stale), ClaimsReleased: len(released), TransfersClosed: len(closed)}
	total.Message = cleanupMessage(total)

	accounts := make([]string, 0, len(perAccount))
	for acct := range perAccount {
		accounts = append(accounts, acct)
	}
	sort.Strings(accounts)
	for _, acct := range accounts {
		msg := cleanupMessage(*perAccount[acct])
		d.log.Info("stuck resources cleaned", "account_id", acct, "message", msg)
		if d.Audit != nil {
			if err := d.Audit.LogCleanup(ctx, acct, actor, "cleanup_stuck_calls", msg); err != nil {
				d.log.Warn("audit cleanup failed", "account_id", acct, "err", err)
			}
		}
	}
	return total, nil
}

func cleanupMessage(r CleanupResult) string {
	return fmt.Sprintf("terminated %d stuck call(s), released %d stuck claim(s), closed %d stuck transfer(s)",
		r.CallsTerminated, r.ClaimsReleased, r.TransfersClosed)
}

type EnrollResult struct {
	CampaignID string `json:"campaign_id"`
	Enrolled   int    `json:"enrolled"`
	Skipped    int    `json:"skipped"`
	Removed    int    `json:"removed"`
	Message    string `json:"message"`
}

// EnrollCampaign queues every dialable lead of a campaign. Terminal rows for
// those leads are cleared first; leads that already have an active entry
// are skipped.
func (d *Dispatcher) EnrollCampaign(ctx context.Context, campaignID string) (EnrollResult, error) {
	if d.Campaigns == nil {
		return EnrollResult{}, fmt.Errorf("dispatcher: campaign store not configured")
	}
	camp, err := d.Campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return EnrollResult{}, mapCampaignErr(err)
	}
	leads, err := d.Campaigns.ListDialableLeads(ctx, campaignID)
	if err != nil {
		return EnrollResult{}, fmt.Errorf("dispatcher: list leads: %w", err)
	}
	out := EnrollResult{CampaignID: campaignID}
	if len(leads) == 0 {
		out.Message = "no dialable leads"
		return out, nil
	}

	ids := make([]string, 0, len(leads))
	for _, l := range leads {
		ids = append(ids, l.ID)
	}
	if out.Removed, err = d.Queue.ResetForReenrollment(ctx, campaignID, ids); err != nil {
		return out, fmt.Errorf("dispatcher: reset entries: %w", err)
	}

	for _, l := range leads {
		_, err := d.Queue.Enqueue(ctx, queue.EnqueueRequest{
			AccountID:   camp.AccountID,
			CampaignID:  campaignID,
			LeadID:      l.ID,
			PhoneNumber: l.PhoneNumber,
			Priority:    camp.Priority,
			MaxAttempts: camp.MaxAttempts,
		})
		switch {
		case err == nil:
			out.Enrolled++
		case errors.Is(err, queue.ErrConflict):
			out.Skipped++
		default:
			return out, fmt.Errorf("dispatcher: enqueue lead %s: %w", l.ID, err)
		}
	}
	out.Message = fmt.Sprintf("enrolled %d lead(s); %d already queued", out.Enrolled, out.Skipped)
	d.log.Info("campaign enrolled", "account_id", camp.AccountID, "campaign_id", campaignID, "enrolled", out.Enrolled, "skipped", out.Skipped)
	return out, nil
}

// ForceRequeue deletes every entry of the campaign, resets its leads to new
// and enrolls them again.
func (d *Dispatcher) ForceRequeue(ctx context.Context, campaignID string) (EnrollResult, error) {
	if d.Campaigns == nil {
		return EnrollResult{}, fmt.Errorf("dispatcher: campaign store not configured")
	}
	if _, err := d.Campaigns.GetCampaign(ctx, campaignID); err != nil {
		return EnrollResult{}, mapCampaignErr(err)
	}
	removed, err := d.Queue.DeleteCampaign(ctx, campaignID)
	if err != nil {
		return EnrollResult{}, err
	}
	if _, err := d.Campaigns.MarkLeadsNew(ctx, campaignID, nil, d.now()); err != nil {
		return EnrollResult{}, fmt.Errorf("dispatcher: reset leads: %w", err)
	}
	out, err := d.EnrollCampaign(ctx, campaignID)
	out.Removed += removed
	if err == nil {
		out.Message = fmt.Sprintf("removed %d entr(ies); %s", out.Removed, out.Message)
	}
	return out, err
}
