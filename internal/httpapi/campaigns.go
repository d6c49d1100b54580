package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Enroll queues every dialable lead of the campaign.
func (h Handlers) Enroll(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	res, err := h.Dispatcher.EnrollCampaign(c.Request.Context(), camp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logAction(c, "enroll_campaign", camp.ID, "", res.Message)
	c.JSON(http.StatusOK, gin.H{"message": res.Message, "count": res.Enrolled, "result": res})
}

// Requeue deletes the campaign's queue, resets its leads and enrolls again.
func (h Handlers) Requeue(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	res, err := h.Dispatcher.ForceRequeue(c.Request.Context(), camp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logAction(c, "force_requeue", camp.ID, "", res.Message)
	c.JSON(http.StatusOK, gin.H{"message": res.Message, "count": res.Enrolled, "result": res})
}

func (h Handlers) Pause(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	n, err := h.Queue.Pause(c.Request.Context(), camp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	msg := fmt.Sprintf("paused %d pending entr(ies)", n)
	h.logAction(c, "pause_campaign", camp.ID, "", msg)
	c.JSON(http.StatusOK, gin.H{"message": msg, "count": n})
}

func (h Handlers) Resume(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	n, err := h.Queue.Resume(c.Request.Context(), camp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	msg := fmt.Sprintf("resumed %d entr(ies)", n)
	h.logAction(c, "resume_campaign", camp.ID, "", msg)
	c.JSON(http.StatusOK, gin.H{"message": msg, "count": n})
}

// ResetSchedule pulls future entries of the campaign forward to now and
// dispatches.
func (h Handlers) ResetSchedule(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	res, err := h.Dispatcher.ResetSchedule(c.Request.Context(), camp.AccountID, camp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logAction(c, "reset_schedule", camp.ID, "", res.Message)
	c.JSON(http.StatusOK, gin.H{
		"message":     res.Message,
		"count":       res.Rescheduled,
		"result":      res,
		"diagnostics": res.Dispatch.Diagnostics,
	})
}

// Diagnostics returns queue counts for the campaign without dispatching.
func (h Handlers) Diagnostics(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	st, err := h.Queue.Stats(c.Request.Context(), camp.AccountID, camp.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ForceDispatch places the lead's call immediately.
func (h Handlers) ForceDispatch(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	leadID := c.Param("lead_id")
	res, err := h.Dispatcher.ForceDispatch(c.Request.Context(), camp.ID, leadID)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logAction(c, "force_dispatch", camp.ID, leadID, res.Message)
	count := 0
	if res.Placed {
		count = 1
	}
	c.JSON(http.StatusOK, gin.H{"message": res.Message, "count": count, "result": res})
}

type scheduleRetryRequest struct {
	Reason string `json:"reason"`
}

// ScheduleRetry queues a retry for a lead whose latest attempt has ended.
func (h Handlers) ScheduleRetry(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	var req scheduleRetryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator retry"
	}
	leadID := c.Param("lead_id")
	res, err := h.Retry.ScheduleRetry(c.Request.Context(), camp.ID, leadID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	msg := "no retry scheduled: " + res.Reason
	count := 0
	if res.Scheduled {
		msg = "retry scheduled for " + res.Schedule.NextRetryAt.Format("2006-01-02 15:04 MST")
		count = 1
	}
	h.logAction(c, "schedule_retry", camp.ID, leadID, msg)
	c.JSON(http.StatusOK, gin.H{"message": msg, "count": count, "result": res})
}

// CancelRetry deletes the lead's pending retry.
func (h Handlers) CancelRetry(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	leadID := c.Param("lead_id")
	n, err := h.Retry.CancelRetry(c.Request.Context(), camp.ID, leadID)
	if err != nil {
		writeError(c, err)
		return
	}
	msg := fmt.Sprintf("canceled %d pending retr(ies)", n)
	h.logAction(c, "cancel_retry", camp.ID, leadID, msg)
	c.JSON(http.StatusOK, gin.H{"message": msg, "count": n})
}

// RemoveLead drops every active entry for the lead, e.g. on do-not-call.
func (h Handlers) RemoveLead(c *gin.Context) {
	camp, ok := h.ownedCampaign(c)
	if !ok {
		return
	}
	leadID := c.Param("lead_id")
	n, err := h.Queue.RemoveLead(c.Request.Context(), camp.ID, leadID)
	if err != nil {
		writeError(c, err)
		return
	}
	msg := fmt.Sprintf("removed %d entr(ies)", n)
	h.logAction(c, "remove_lead", camp.ID, leadID, msg)
	c.JSON(http.StatusOK, gin.H{"message": msg, "count": n})
}
