package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runforge/execore/pkg/models"
)

// respondApprovalHandler handles POST /api/v1/approvals/:id.
func (s *Server) respondApprovalHandler(c *gin.Context) {
	var decision models.ApprovalDecision
	if err := c.ShouldBindJSON(&decision); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	approval, err := s.approvals.Respond(c.Request.Context(), tenantID(c), c.Param("id"), actorID(c), decision.Approve)
	if err != nil {
		abortServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, approval)
}
