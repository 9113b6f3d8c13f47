package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"storefront-chat/internal/middleware"
)

// requestIDFromContext returns the id set by the RequestID middleware, or
// mints one when the handler runs without it.
func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}
