package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runforge/execore/pkg/services"
)

// abortServiceError translates service-layer errors into HTTP responses.
func abortServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, services.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": "execution is not in a cancellable state"})
	case errors.Is(err, services.ErrApprovalNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "approval is not pending"})
	case errors.Is(err, services.ErrDeadLetterResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "dead-letter item already resolved"})
	default:
		slog.Error("Unexpected service error",
			"path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
	c.Abort()
}
