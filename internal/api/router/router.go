package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(deps.AllowedOrigins))
	if deps.Metrics != nil {
		r.Use(MetricsMiddleware(deps.Metrics))
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	r.GET("/health", healthHandler(deps.HealthCheck))

	auditHandler := handler.NewAuditHandler(deps)

	v1 := r.Group("/api/v1")
	{
		audits := v1.Group("/audits")
		{
			// POST /api/v1/audits - Schedule an audit
			audits.POST("", auditHandler.CreateAudit)

			// GET /api/v1/audits - List work items or findings
			audits.GET("", auditHandler.ListAudits)

			// GET /api/v1/audits/:id - Get a work item and its findings
			audits.GET("/:id", auditHandler.GetAudit)
		}
	}

	return r
}

func healthHandler(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "wallet-audit-api",
					"error":   err.Error(),
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "wallet-audit-api",
		})
	}
}
