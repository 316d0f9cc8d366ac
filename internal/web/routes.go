package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hearthly/calsync/internal/auth"
	"github.com/hearthly/calsync/internal/config"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, sm *auth.SessionManager, limits config.RateLimitConfig) {
	// Health and metrics (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	api := r.Group("/api")
	api.Use(RateLimiter(limits.RPS, limits.Burst))
	api.Use(auth.RequireAuth(sm))
	api.Use(auth.ValidateCSRF(sm))
	api.Use(RequireJSONContentType())

	// Feed tests and connection creation make outbound requests
	expensive := RateLimiter(2, 5)

	{
		api.GET("/providers", h.APIListProviders)
		api.GET("/activity", h.APIActivity)
		api.POST("/feeds/test", expensive, h.APITestFeed)

		api.GET("/connections/:id", h.APIGetConnection)
		api.DELETE("/connections/:id", h.APIDeleteConnection)
		api.POST("/connections/:id/sync", h.APISyncConnection)
		api.POST("/connections/:id/enable", h.APIEnableConnection)
		api.POST("/connections/:id/disable", h.APIDisableConnection)
		api.GET("/connections/:id/logs", h.APIGetConnectionLogs)
	}

	spaces := api.Group("/spaces/:spaceID")
	spaces.Use(auth.RequireSpaceMember(h.db, h.logger))
	{
		spaces.GET("/connections", h.APIListConnections)
		spaces.POST("/connections", expensive, h.APICreateConnection)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}
