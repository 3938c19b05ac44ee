package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/version"
)

// healthHandler handles GET /api/v1/health: database connectivity plus a
// worker-pool snapshot when a pool is attached.
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	body := gin.H{"status": "healthy", "version": version.Full()}
	status := http.StatusOK

	if s.db != nil {
		dbHealth, err := database.Health(ctx, s.db.DB())
		body["database"] = dbHealth
		if err != nil {
			body["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	if s.pool != nil {
		poolHealth := s.pool.Health(ctx)
		body["pool"] = poolHealth
		if !poolHealth.IsHealthy {
			body["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	c.JSON(status, body)
}

// versionHandler handles GET /api/v1/version.
func (s *Server) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"app":     version.AppName,
		"commit":  version.GitCommit,
		"version": version.Full(),
	})
}

// queueStatsHandler handles GET /api/v1/queue/stats.
func (s *Server) queueStatsHandler(c *gin.Context) {
	stats, avgAttempts, err := s.executions.QueueStats(c.Request.Context())
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queue":        stats,
		"avg_attempts": avgAttempts,
	})
}
