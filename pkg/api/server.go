// Package api exposes the HTTP surface: plan submission, execution
// inspection, cancellation, approvals, dead-letter administration, the
// WebSocket event stream and operational endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runforge/execore/pkg/config"
	"github.com/runforge/execore/pkg/database"
	"github.com/runforge/execore/pkg/events"
	"github.com/runforge/execore/pkg/monitoring"
	"github.com/runforge/execore/pkg/queue"
	"github.com/runforge/execore/pkg/services"
)

// Server is the HTTP front end. All domain behavior lives in the service
// layer; handlers validate, delegate and translate errors.
type Server struct {
	cfg        *config.Config
	db         *database.Client
	executions *services.ExecutionService
	approvals  *services.ApprovalService
	dlq        *services.DeadLetterService
	hub        *events.Hub
	pool       *queue.WorkerPool
	metrics    *monitoring.Metrics

	httpServer *http.Server
}

// NewServer wires the router. hub, pool and metrics may be nil in tests;
// the corresponding endpoints then degrade (stream 503, health without pool
// snapshot, no /metrics route).
func NewServer(
	cfg *config.Config,
	db *database.Client,
	executions *services.ExecutionService,
	approvals *services.ApprovalService,
	dlq *services.DeadLetterService,
	hub *events.Hub,
	pool *queue.WorkerPool,
	metrics *monitoring.Metrics,
) *Server {
	s := &Server{
		cfg:        cfg,
		db:         db,
		executions: executions,
		approvals:  approvals,
		dlq:        dlq,
		hub:        hub,
		pool:       pool,
		metrics:    metrics,
	}
	s.httpServer = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(), gin.Recovery(), securityHeaders())

	router.GET("/api/v1/health", s.healthHandler)
	router.GET("/api/v1/version", s.versionHandler)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := router.Group("/api/v1", tenantContext())
	{
		v1.POST("/executions", s.submitExecutionHandler)
		v1.GET("/executions", s.listExecutionsHandler)
		v1.GET("/executions/:id", s.getExecutionHandler)
		v1.GET("/executions/:id/steps", s.listStepsHandler)
		v1.GET("/executions/:id/events", s.listEventsHandler)
		v1.GET("/executions/:id/stream", s.streamHandler)
		v1.POST("/executions/:id/cancel", s.cancelExecutionHandler)

		v1.POST("/approvals/:id", s.respondApprovalHandler)

		v1.GET("/queue/stats", s.queueStatsHandler)
		v1.GET("/dlq", s.listDeadLettersHandler)
		v1.POST("/dlq/:id/requeue", s.requeueDeadLetterHandler)
		v1.POST("/dlq/:id/archive", s.archiveDeadLetterHandler)
	}

	return router
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves HTTP on addr, blocking until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
