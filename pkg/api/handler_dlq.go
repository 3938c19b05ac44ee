package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// listDeadLettersHandler handles GET /api/v1/dlq.
func (s *Server) listDeadLettersHandler(c *gin.Context) {
	limit := 50
	offset := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	includeResolved := c.Query("include_resolved") == "true"

	items, total, err := s.dlq.List(c.Request.Context(), tenantID(c), includeResolved, limit, offset)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":       items,
		"total_count": total,
		"limit":       limit,
		"offset":      offset,
	})
}

// requeueDeadLetterHandler handles POST /api/v1/dlq/:id/requeue.
func (s *Server) requeueDeadLetterHandler(c *gin.Context) {
	item, err := s.dlq.Requeue(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// archiveDeadLetterHandler handles POST /api/v1/dlq/:id/archive.
func (s *Server) archiveDeadLetterHandler(c *gin.Context) {
	item, err := s.dlq.Archive(c.Request.Context(), tenantID(c), c.Param("id"))
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}
