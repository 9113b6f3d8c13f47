package observability

import (
	"context"

	"storefront-chat/internal/rabbitmq"
)

// Routing keys for chat domain events.
const (
	RoutingWSEvents      = "ws_events.chat"
	RoutingSessionEvents = "chat_events.sessions"
	RoutingMessageEvents = "chat_events.messages"
)

// Publisher delivers JSON events to the broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

var defaultPublisher Publisher

func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

// PublishEvent sends an envelope through the configured publisher with the
// given AMQP headers. Without a publisher it does nothing.
func PublishEvent(ctx context.Context, routingKey string, envelope EventEnvelope, headers map[string]string) error {
	if defaultPublisher == nil {
		return nil
	}

	err := defaultPublisher.Publish(rabbitmq.WithHeaders(ctx, headers), routingKey, envelope)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}
