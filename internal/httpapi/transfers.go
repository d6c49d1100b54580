package httpapi

import (
	"errors"
	"net/http"

	"campaign-dialer/internal/capacity"

	"github.com/gin-gonic/gin"
)

type beginTransferRequest struct {
	CallID   string `json:"call_id" binding:"required"`
	Platform string `json:"platform" binding:"required"`
}

// BeginTransfer hands a live call to a voice-AI platform. A full platform
// answers 409 unless the account queues transfers, in which case the
// transfer is accepted as queued.
func (h Handlers) BeginTransfer(c *gin.Context) {
	var req beginTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id and platform required"})
		return
	}
	ctx := c.Request.Context()
	acct := accountID(c)

	call, err := h.Calls.Get(ctx, req.CallID)
	if err != nil {
		writeError(c, err)
		return
	}
	if call.AccountID != acct {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if !call.Status.Active() {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call is not live", "status": call.Status})
		return
	}

	t, err := h.Capacity.BeginTransfer(ctx, acct, call.ID, capacity.Platform(req.Platform))
	if errors.Is(err, capacity.ErrCapacityExhausted) {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "message": "platform at capacity"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}

	code := http.StatusCreated
	if t.Status == capacity.TransferQueued {
		code = http.StatusAccepted
	}
	h.logAction(c, "transfer_begin", call.CampaignID, call.LeadID, string(t.Platform)+" "+string(t.Status))
	c.JSON(code, gin.H{"transfer": t})
}

// EndTransfer completes an active transfer or cancels a queued one.
func (h Handlers) EndTransfer(c *gin.Context) {
	t, err := h.Capacity.EndTransfer(c.Request.Context(), accountID(c), c.Param("transfer_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	h.logAction(c, "transfer_end", "", "", string(t.Platform)+" "+string(t.Status))
	c.JSON(http.StatusOK, gin.H{"transfer": t})
}
