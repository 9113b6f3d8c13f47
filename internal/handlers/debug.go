package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront-chat/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints onto the operator group.
func RegisterDebugRoutes(group gin.IRoutes, emitter *telemetry.AuditEmitter, enabled bool) {
	if !enabled {
		return
	}

	group.POST("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		var sessionID *string
		if id := c.Query("session_id"); id != "" {
			sessionID = &id
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit_test", "audit test", requestIDFromContext(c), sessionID)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
