package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"campaign-dialer/internal/capacity"
	"campaign-dialer/internal/dispatcher"

	"github.com/gin-gonic/gin"
)

// StartAutoDispatch starts the background loops.
func (h Handlers) StartAutoDispatch(c *gin.Context) {
	started := h.Dispatcher.StartAuto(h.Loops, h.Intervals)
	msg := "auto-dispatch already running"
	count := 0
	if started {
		msg = "auto-dispatch started"
		count = 1
		h.logAction(c, "start_auto_dispatch", "", "", msg)
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "count": count, "loops": h.Loops.Status()})
}

// StopAutoDispatch stops the dispatch and pacing loops.
func (h Handlers) StopAutoDispatch(c *gin.Context) {
	stopped := h.Dispatcher.StopAuto(h.Loops)
	msg := "auto-dispatch was not running"
	count := 0
	if stopped {
		msg = "auto-dispatch stopped"
		count = 1
		h.logAction(c, "stop_auto_dispatch", "", "", msg)
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "count": count, "loops": h.Loops.Status()})
}

// Status reports loop state, transient cooldown and queue diagnostics.
func (h Handlers) Status(c *gin.Context) {
	ctx := c.Request.Context()
	acct := accountID(c)

	st, err := h.Queue.Stats(ctx, acct, c.Query("campaign_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := gin.H{
		"auto_dispatch": h.Loops.Running(dispatcher.LoopDispatch),
		"loops":         h.Loops.Status(),
		"queue":         st,
	}
	if until, cooling := h.Dispatcher.CooldownUntil(); cooling {
		out["cooldown_until"] = until
	}
	c.JSON(http.StatusOK, out)
}

// DispatchNow runs one tick for the caller's account and returns its
// diagnostics.
func (h Handlers) DispatchNow(c *gin.Context) {
	res, err := h.Dispatcher.DispatchAccount(c.Request.Context(), accountID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	h.logAction(c, "dispatch_now", "", "", res.Diagnostics.Message)
	c.JSON(http.StatusOK, gin.H{
		"message":     res.Diagnostics.Message,
		"count":       res.Dispatched,
		"reason":      res.Reason,
		"result":      res,
		"diagnostics": res.Diagnostics,
	})
}

// Cleanup terminates stuck calls, releases stuck claims and closes stuck
// transfers.
func (h Handlers) Cleanup(c *gin.Context) {
	res, err := h.Dispatcher.CleanupStuckCalls(c.Request.Context(), actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": res.Message,
		"count":   res.CallsTerminated + res.ClaimsReleased + res.TransfersClosed,
		"result":  res,
	})
}

// LearnNow recomputes the best-time table for the caller's account.
func (h Handlers) LearnNow(c *gin.Context) {
	slots, err := h.Retry.LearnBestTimes(c.Request.Context(), accountID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	msg := fmt.Sprintf("learned %d best-time slot(s)", len(slots))
	h.logAction(c, "learn_best_times", "", "", msg)
	c.JSON(http.StatusOK, gin.H{"message": msg, "count": len(slots), "slots": slots})
}

func (h Handlers) BestTimes(c *gin.Context) {
	slots, err := h.Retry.BestTimes(c.Request.Context(), accountID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(slots), "slots": slots})
}

// RetryTime previews when the attempt-th failure would be retried.
func (h Handlers) RetryTime(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("attempt", "1"))
	if err != nil || n < 1 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "attempt must be a positive integer"})
		return
	}
	plan, err := h.Retry.CalculateRetryTime(c.Request.Context(), accountID(c), n)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": plan, "delay_minutes": plan.Delay.Minutes()})
}

// PacingStatus returns the current dial rate and the last evaluation.
func (h Handlers) PacingStatus(c *gin.Context) {
	ctx := c.Request.Context()
	acct := accountID(c)
	rate, err := h.Pacing.CurrentRate(ctx, acct)
	if err != nil {
		writeError(c, err)
		return
	}
	out := gin.H{"current_dial_rate": rate}
	m, ok, err := h.Pacing.LastMetrics(ctx, acct)
	if err != nil {
		writeError(c, err)
		return
	}
	if ok {
		out["last"] = m
	}
	c.JSON(http.StatusOK, out)
}

// EvaluatePacing runs one pacing evaluation for the caller's account.
func (h Handlers) EvaluatePacing(c *gin.Context) {
	m, err := h.Pacing.Evaluate(c.Request.Context(), accountID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	msg := fmt.Sprintf("%s: %s", m.RecommendedAdjustment, m.Reason)
	if m.ComplianceViolation {
		msg = "compliance limited: " + msg
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "metrics": m})
}

// CapacityStatus returns the concurrency snapshot and per-platform transfer
// capacity.
func (h Handlers) CapacityStatus(c *gin.Context) {
	ctx := c.Request.Context()
	acct := accountID(c)
	snap, err := h.Capacity.Headroom(ctx, acct)
	if err != nil {
		writeError(c, err)
		return
	}
	platforms := make([]capacity.PlatformCapacity, 0, 2)
	for _, p := range []capacity.Platform{capacity.PlatformVapi, capacity.PlatformRetell} {
		pc, err := h.Capacity.PlatformCapacity(ctx, acct, p)
		if err != nil {
			writeError(c, err)
			return
		}
		platforms = append(platforms, pc)
	}
	c.JSON(http.StatusOK, gin.H{"concurrency": snap, "platforms": platforms})
}

// AuditLog lists recent operator actions, settings changes and compliance
// alerts.
func (h Handlers) AuditLog(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	events, err := h.Audit.Recent(c.Request.Context(), accountID(c), min(limit, 500))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(events), "events": events})
}
