package httpapi

import (
	"context"
	"net/http"

	"campaign-dialer/internal/capacity"
	"campaign-dialer/internal/pacing"
	"campaign-dialer/internal/ratelimit"
	"campaign-dialer/internal/retry"
	"campaign-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

type settingsAPI[T any] struct {
	kind   string
	get    func(ctx context.Context, accountID string) (T, error)
	update func(ctx context.Context, accountID string, v T) (T, error)
}

func (s settingsAPI[T]) Get(c *gin.Context) {
	v, err := s.get(c.Request.Context(), accountID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": s.kind, "settings": v})
}

// put merges the body onto the current settings, so omitted fields keep
// their values, then validates and stores the result.
func (s settingsAPI[T]) put(h Handlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		acct := accountID(c)
		cur, err := s.get(ctx, acct)
		if err != nil {
			writeError(c, err)
			return
		}
		if err := c.ShouldBindJSON(&cur); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
		saved, err := s.update(ctx, acct, cur)
		if err != nil {
			writeError(c, err)
			return
		}
		if h.Audit != nil {
			if err := h.Audit.LogSettingsChange(ctx, acct, actor(c), s.kind, saved); err != nil {
				logger.FromGin(c).Warn("audit settings change failed", "kind", s.kind, "err", err)
			}
		}
		c.JSON(http.StatusOK, gin.H{"message": s.kind + " settings updated", "count": 1, "settings": saved})
	}
}

func (h Handlers) capacitySettings() settingsAPI[capacity.Settings] {
	return settingsAPI[capacity.Settings]{kind: capacity.SettingsKind, get: h.Capacity.Settings, update: h.Capacity.UpdateSettings}
}

func (h Handlers) pacingSettings() settingsAPI[pacing.Settings] {
	return settingsAPI[pacing.Settings]{kind: pacing.SettingsKind, get: h.Pacing.Settings, update: h.Pacing.UpdateSettings}
}

func (h Handlers) retrySettings() settingsAPI[retry.Settings] {
	return settingsAPI[retry.Settings]{kind: retry.SettingsKind, get: h.Retry.Settings, update: h.Retry.UpdateSettings}
}

func (h Handlers) rateLimitSettings() settingsAPI[ratelimit.Settings] {
	return settingsAPI[ratelimit.Settings]{kind: ratelimit.SettingsKind, get: h.Limiter.Settings, update: h.Limiter.UpdateSettings}
}
