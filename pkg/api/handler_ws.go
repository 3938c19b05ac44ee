package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// streamHandler handles GET /api/v1/executions/:id/stream. It upgrades to
// WebSocket and hands the connection to the event hub; the client then
// drives subscriptions with the hub's message protocol.
func (s *Server) streamHandler(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming is not available"})
		return
	}

	// The execution must exist and belong to the caller before upgrading.
	executionID := c.Param("id")
	if _, err := s.executions.Get(c.Request.Context(), tenantID(c), executionID); err != nil {
		abortServiceError(c, err)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedWSOrigins,
	})
	if err != nil {
		// Accept already wrote the handshake failure response.
		return
	}

	s.hub.HandleConnection(c.Request.Context(), conn)
}
