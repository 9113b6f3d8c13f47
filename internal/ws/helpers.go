package ws

import (
	"encoding/json"

	"github.com/google/uuid"

	"storefront-chat/internal/models"
)

func newConnID() string {
	return uuid.NewString()
}

func encodeFrame(frame models.OutboundFrame) ([]byte, error) {
	return json.Marshal(frame)
}
