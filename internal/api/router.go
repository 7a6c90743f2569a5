package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/manager"
)

// SetupRoutes configures the queue API routes.
func SetupRoutes(router *gin.Engine, m *manager.Manager, log *logger.Logger) {
	handler := NewHandler(m, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "agentq",
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		m.Metrics().Registry,
		promhttp.HandlerOpts{},
	)))

	v1 := router.Group("/api/v1")
	{
		runs := v1.Group("/runs")
		{
			runs.POST("", handler.SubmitRun)
			runs.GET("", handler.ListRuns)
			runs.GET("/:runId", handler.GetRun)
			runs.POST("/:runId/cancel", handler.CancelRun)
			runs.POST("/:runId/retry", handler.RetryRun)
		}

		queue := v1.Group("/queue")
		{
			queue.GET("", handler.GetQueue)
			queue.POST("/clear", handler.ClearQueue)
		}

		v1.GET("/stats", handler.GetStats)

		dedup := v1.Group("/dedup")
		{
			dedup.GET("/stats", handler.GetDedupStats)
			dedup.POST("/check", handler.CheckDuplicate)
		}

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handler.ListSessions)
			sessions.GET("/:sessionId", handler.GetSession)
			sessions.PUT("/:sessionId", handler.SaveSession)
		}
	}
}
