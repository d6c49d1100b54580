package main

import (
	"campaign-dialer/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, app *application, reg *prometheus.Registry, authMW gin.HandlerFunc, devLogin bool) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler(reg)))

	// Provider status callbacks (public).
	r.POST("/webhooks/telephony/status", app.webhook.Handle)

	if devLogin {
		r.POST("/v1/auth/login", app.handlers.Login)
	}

	v1 := r.Group("/v1")
	v1.Use(authMW)
	app.handlers.Register(v1)
}
