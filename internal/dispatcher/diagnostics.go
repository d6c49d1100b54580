package dispatcher

import (
	"fmt"
	"time"

	"campaign-dialer/internal/queue"
)

// Reason says why a tick dispatched what it did.
type Reason string

const (
	ReasonDispatched        Reason = "dispatched"
	ReasonNoWork            Reason = "no_work"
	ReasonCapacityLimited   Reason = "capacity_limited"
	ReasonRateLimited       Reason = "rate_limited"
	ReasonComplianceLimited Reason = "compliance_limited"
	ReasonCooldown          Reason = "cooldown"
	ReasonSkipped           Reason = "skipped"
	ReasonError             Reason = "error"
)

// Diagnostics lets an operator tell "nothing to do" from "stuck".
type Diagnostics struct {
	PendingTotal           int        `json:"pending_total"`
	PendingEligibleNow     int        `json:"pending_eligible_now"`
	PendingScheduledFuture int        `json:"pending_scheduled_future"`
	EarliestScheduledAt    *time.Time `json:"earliest_scheduled_at"`
	Message                string     `json:"message"`
}

func diagnosticsFrom(st queue.Stats) Diagnostics {
	return Diagnostics{
		PendingTotal:           st.PendingTotal,
		PendingEligibleNow:     st.PendingEligibleNow,
		PendingScheduledFuture: st.PendingScheduledFuture,
		EarliestScheduledAt:    st.EarliestScheduledAt,
	}
}

// Slots are the three ceilings of one tick and their minimum.
type Slots struct {
	Headroom      int `json:"headroom"`
	PaceCeiling   int `json:"pace_ceiling"`
	RateAllowance int `json:"rate_allowance"`
	Available     int `json:"available"`
}

// AvailableSlots is min(headroom, paceCeiling, rateAllowance), never below 0.
func AvailableSlots(headroom, paceCeiling, rateAllowance int) int {
	n := min(headroom, paceCeiling, rateAllowance)
	if n < 0 {
		return 0
	}
	return n
}

// limitingReason names the ceiling that left no slots.
func limitingReason(s Slots, complianceViolation bool) Reason {
	switch {
	case s.Headroom <= 0:
		return ReasonCapacityLimited
	case s.RateAllowance <= 0:
		return ReasonRateLimited
	case complianceViolation:
		return ReasonComplianceLimited
	default:
		return ReasonCapacityLimited
	}
}

// Result summarizes one dispatch tick for one account.
type Result struct {
	AccountID   string      `json:"account_id"`
	Reason      Reason      `json:"reason"`
	Dispatched  int         `json:"dispatched"`
	Reverted    int         `json:"reverted"`
	Deferred    int         `json:"deferred"`
	Failed      int         `json:"failed"`
	Remaining   int         `json:"remaining"`
	Slots       Slots       `json:"slots"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

func message(r Result, cooldownUntil time.Time) string {
	d := r.Diagnostics
	switch r.Reason {
	case ReasonDispatched:
		msg := fmt.Sprintf("dispatched %d call(s); %d pending", r.Dispatched, d.PendingTotal)
		if r.Reverted > 0 {
			msg += fmt.Sprintf("; %d placement(s) failed and were re-queued", r.Reverted)
		}
		return msg
	case ReasonNoWork:
		switch {
		case d.PendingTotal == 0:
			return "no work: no pending entries"
		case d.EarliestScheduledAt != nil:
			return fmt.Sprintf("no work: %d pending, none due until %s", d.PendingTotal, d.EarliestScheduledAt.Format(time.RFC3339))
		default:
			return fmt.Sprintf("no work: %d pending, none eligible", d.PendingTotal)
		}
	case ReasonCapacityLimited:
		return fmt.Sprintf("capacity limited: no free call slots; %d eligible waiting", d.PendingEligibleNow)
	case ReasonRateLimited:
		return fmt.Sprintf("rate limited: contact window exhausted; %d eligible waiting", d.PendingEligibleNow)
	case ReasonComplianceLimited:
		return "compliance limited: abandonment rate above ceiling, dial rate held down"
	case ReasonCooldown:
		return fmt.Sprintf("telephony provider unreachable; retrying after %s", cooldownUntil.Format(time.RFC3339))
	case ReasonSkipped:
		return "skipped: a dispatch tick is already running"
	}
	return "system error"
}
