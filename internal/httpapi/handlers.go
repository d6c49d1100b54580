package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/auth"
	"campaign-dialer/internal/calls"
	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/capacity"
	"campaign-dialer/internal/dispatcher"
	"campaign-dialer/internal/pacing"
	"campaign-dialer/internal/queue"
	"campaign-dialer/internal/ratelimit"
	"campaign-dialer/internal/reporting"
	"campaign-dialer/internal/retry"
	"campaign-dialer/internal/settings"
	"campaign-dialer/internal/supervisor"
	"campaign-dialer/internal/telephony"
	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth       *auth.Manager
	Dispatcher *dispatcher.Dispatcher
	Loops      *supervisor.Supervisor
	Intervals  dispatcher.LoopIntervals

	Queue     *queue.Service
	Campaigns campaigns.Store
	Calls     calls.Repository
	Capacity  *capacity.Manager
	Pacing    *pacing.Controller
	Retry     *retry.Scheduler
	Limiter   *ratelimit.Limiter
	Reporting *reporting.Service
	Audit     *audit.Service

	// Now is injectable for tests.
	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

// accountID reads the caller's account; RequireAccount guarantees it on
// every registered route.
func accountID(c *gin.Context) string {
	acct, _ := auth.AccountID(c.Request.Context())
	return acct
}

func actor(c *gin.Context) audit.Actor {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	return audit.Actor{UserID: uid, Role: role, IP: c.ClientIP()}
}

// ownedCampaign loads the campaign in the path and hides campaigns that
// belong to another account.
func (h Handlers) ownedCampaign(c *gin.Context) (campaigns.Campaign, bool) {
	id := c.Param("campaign_id")
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign_id required"})
		return campaigns.Campaign{}, false
	}
	camp, err := h.Campaigns.GetCampaign(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return campaigns.Campaign{}, false
	}
	if camp.AccountID != accountID(c) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return campaigns.Campaign{}, false
	}
	return camp, true
}

// logAction records an operator control; audit failures are logged, not
// returned, so the operator still sees the result of the action.
func (h Handlers) logAction(c *gin.Context, action, campaignID, leadID, message string) {
	if h.Audit == nil {
		return
	}
	if err := h.Audit.LogOperatorAction(c.Request.Context(), accountID(c), actor(c), action, campaignID, leadID, message); err != nil {
		logger.FromGin(c).Warn("audit operator action failed", "action", action, "err", err)
	}
}

// statusFor maps domain sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrConflict),
		errors.Is(err, retry.ErrPriorEntryActive),
		errors.Is(err, queue.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, campaigns.ErrNotFound),
		errors.Is(err, calls.ErrNotFound),
		errors.Is(err, capacity.ErrTransferNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidArgument),
		errors.Is(err, campaigns.ErrInvalidArgument),
		errors.Is(err, settings.ErrInvalid),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, capacity.ErrUnknownPlatform):
		return http.StatusBadRequest
	case errors.Is(err, capacity.ErrCapacityExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatcher.ErrComplianceLimited):
		return http.StatusConflict
	case errors.Is(err, telephony.ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(code, gin.H{"error": "system error", "message": "system error: see server logs"})
		return
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error(), "message": err.Error()})
}

// --- Auth ---

type loginRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	AccountID string `json:"account_id" binding:"required"`
	Role      string `json:"role" binding:"required"`
}

// Login issues a JWT token pair. It is only registered outside production;
// real deployments get tokens from the identity service.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, account_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.AccountID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// Me echoes the caller identity.
func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "account_id": accountID(c), "role": role})
}
