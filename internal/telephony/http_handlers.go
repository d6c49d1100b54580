package telephony

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// OutcomeSink receives provider status changes. The dispatcher implements it.
type OutcomeSink interface {
	HandleStatus(ctx context.Context, ev StatusEvent) error
}

// StatusCallbackHandler converts provider callbacks to StatusEvents and hands
// them to the sink. Form posts are parsed as Twilio callbacks; JSON bodies
// are taken as StatusEvent directly.
//
// No business logic here.
type StatusCallbackHandler struct {
	Sink OutcomeSink
	Now  func() time.Time
}

func (h StatusCallbackHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "outcome sink not configured"})
		return
	}

	ev, err := h.parse(c)
	if err != nil {
		log.Warn("status callback parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid status callback"})
		return
	}

	if err := h.Sink.HandleStatus(c.Request.Context(), ev); err != nil {
		if errors.Is(err, ErrUnknownCall) {
			// Acknowledge so the provider stops retrying calls we never placed.
			log.Warn("status callback for unknown call", "provider_call_id", ev.ProviderCallID)
			c.JSON(http.StatusOK, gin.H{"ok": true, "ignored": true})
			return
		}
		if errors.Is(err, ErrInvalidStatus) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid status callback"})
			return
		}
		log.Error("status callback handling failed", "provider_call_id", ev.ProviderCallID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status handling failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h StatusCallbackHandler) parse(c *gin.Context) (StatusEvent, error) {
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var ev StatusEvent
		if err := c.ShouldBindJSON(&ev); err != nil {
			return StatusEvent{}, err
		}
		if ev.ProviderCallID == "" {
			return StatusEvent{}, ErrInvalidStatus
		}
		status, outcome, ok := providerStatus(string(ev.Status))
		if !ok || (ev.Outcome != "" && !ev.Outcome.Valid()) {
			return StatusEvent{}, ErrInvalidStatus
		}
		ev.Status = status
		if ev.Outcome == "" {
			ev.Outcome = outcome
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = h.Now().UTC()
		}
		return ev, nil
	}

	form, err := ParseTwilioStatusCallback(c.Request)
	if err != nil {
		return StatusEvent{}, err
	}
	return form.ToStatusEvent(h.Now().UTC())
}

// ErrUnknownCall is returned by sinks for callbacks that match no call.
var ErrUnknownCall = errors.New("telephony: unknown call")
