package ws

import (
	"time"

	"storefront-chat/internal/models"
)

type ConnInfo struct {
	ConnID      string
	Role        models.Sender
	IP          string
	UserAgent   string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
