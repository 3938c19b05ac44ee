package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runforge/execore/pkg/models"
)

// submitExecutionHandler handles POST /api/v1/executions.
func (s *Server) submitExecutionHandler(c *gin.Context) {
	var req models.SubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := s.executions.Submit(c.Request.Context(), tenantID(c), actorID(c), &req)
	if err != nil {
		abortServiceError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// listExecutionsHandler handles GET /api/v1/executions.
func (s *Server) listExecutionsHandler(c *gin.Context) {
	filters := models.ExecutionFilters{Limit: 25}

	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			filters.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filters.Offset = n
		}
	}
	if v := c.Query("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			st := models.ExecutionStatus(raw)
			if !st.IsValid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + raw})
				return
			}
			filters.Status = append(filters.Status, st)
		}
	}
	if v := c.Query("sla_class"); v != "" {
		sla := models.SLAClass(v)
		if !sla.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sla_class: " + v})
			return
		}
		filters.SLAClass = sla
	}
	if v := c.Query("created_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid created_after: must be RFC3339"})
			return
		}
		filters.CreatedAfter = &t
	}
	if v := c.Query("created_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid created_before: must be RFC3339"})
			return
		}
		filters.CreatedBefore = &t
	}

	result, err := s.executions.List(c.Request.Context(), tenantID(c), filters)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getExecutionHandler handles GET /api/v1/executions/:id.
func (s *Server) getExecutionHandler(c *gin.Context) {
	detail, err := s.executions.GetWithProgress(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// listStepsHandler handles GET /api/v1/executions/:id/steps.
func (s *Server) listStepsHandler(c *gin.Context) {
	steps, err := s.executions.ListSteps(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

// listEventsHandler handles GET /api/v1/executions/:id/events.
func (s *Server) listEventsHandler(c *gin.Context) {
	limit := 100
	offset := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	items, total, err := s.executions.ListEvents(c.Request.Context(), tenantID(c), c.Param("id"), limit, offset)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":      items,
		"total_count": total,
		"limit":       limit,
		"offset":      offset,
	})
}

// cancelRequest is the optional body of a cancel call.
type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelExecutionHandler handles POST /api/v1/executions/:id/cancel.
func (s *Server) cancelExecutionHandler(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}

	execution, err := s.executions.Cancel(c.Request.Context(), tenantID(c), c.Param("id"), actorID(c), req.Reason)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, execution)
}
