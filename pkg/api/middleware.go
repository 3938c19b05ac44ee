package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	headerTenantID = "X-Tenant-ID"
	headerActorID  = "X-Actor-ID"

	ctxTenantID = "tenant_id"
	ctxActorID  = "actor_id"
)

// tenantContext requires the proxy-authenticated identity headers on every
// tenant-scoped route and stashes them in the request context.
func tenantContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(headerTenantID)
		actorID := c.GetHeader(headerActorID)
		if tenantID == "" || actorID == "" {
			c.AbortWithStatusJSON(401, gin.H{
				"error": "X-Tenant-ID and X-Actor-ID headers are required",
			})
			return
		}
		c.Set(ctxTenantID, tenantID)
		c.Set(ctxActorID, actorID)
		c.Next()
	}
}

func tenantID(c *gin.Context) string { return c.GetString(ctxTenantID) }
func actorID(c *gin.Context) string  { return c.GetString(ctxActorID) }

// requestLogger logs one line per request via slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if tid := tenantID(c); tid != "" {
			attrs = append(attrs, "tenant_id", tid)
		}
		if c.Writer.Status() >= 500 {
			slog.Error("HTTP request", attrs...)
		} else {
			slog.Info("HTTP request", attrs...)
		}
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
