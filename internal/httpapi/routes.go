package httpapi

import (
	"campaign-dialer/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the operator API on an authenticated group. Reads and
// transfer reporting are open to every account role; controls and settings
// need an operator role.
func (h Handlers) Register(v1 *gin.RouterGroup) {
	v1.GET("/me", h.Me)

	view := v1.Group("")
	view.Use(rbac.Chain(rbac.ViewerRoles...)...)
	{
		view.GET("/dialer/status", h.Status)
		view.GET("/dialer/pacing", h.PacingStatus)
		view.GET("/dialer/capacity", h.CapacityStatus)
		view.GET("/dialer/best-times", h.BestTimes)
		view.GET("/dialer/retry-time", h.RetryTime)
		view.GET("/reports/outcomes", h.Outcomes)
		view.GET("/campaigns/:campaign_id/diagnostics", h.Diagnostics)

		view.GET("/settings/concurrency", h.capacitySettings().Get)
		view.GET("/settings/pacing", h.pacingSettings().Get)
		view.GET("/settings/retry", h.retrySettings().Get)
		view.GET("/settings/rate-limits", h.rateLimitSettings().Get)

		view.POST("/transfers", h.BeginTransfer)
		view.POST("/transfers/:transfer_id/end", h.EndTransfer)
	}

	ops := v1.Group("")
	ops.Use(rbac.Chain(rbac.OperatorRoles...)...)
	{
		ops.POST("/dialer/auto-dispatch/start", h.StartAutoDispatch)
		ops.POST("/dialer/auto-dispatch/stop", h.StopAutoDispatch)
		ops.POST("/dialer/dispatch", h.DispatchNow)
		ops.POST("/dialer/cleanup", h.Cleanup)
		ops.POST("/dialer/learn", h.LearnNow)
		ops.POST("/dialer/pacing/evaluate", h.EvaluatePacing)
		ops.GET("/dialer/audit", h.AuditLog)

		ops.PUT("/settings/concurrency", h.capacitySettings().put(h))
		ops.PUT("/settings/pacing", h.pacingSettings().put(h))
		ops.PUT("/settings/retry", h.retrySettings().put(h))
		ops.PUT("/settings/rate-limits", h.rateLimitSettings().put(h))

		camps := ops.Group("/campaigns/:campaign_id")
		camps.POST("/enroll", h.Enroll)
		camps.POST("/requeue", h.Requeue)
		camps.POST("/pause", h.Pause)
		camps.POST("/resume", h.Resume)
		camps.POST("/reset-schedule", h.ResetSchedule)
		camps.POST("/leads/:lead_id/dispatch", h.ForceDispatch)
		camps.POST("/leads/:lead_id/retry", h.ScheduleRetry)
		camps.DELETE("/leads/:lead_id/retry", h.CancelRetry)
		camps.DELETE("/leads/:lead_id", h.RemoveLead)
	}
}
