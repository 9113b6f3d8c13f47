package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"role"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket lifecycle events.",
		},
		[]string{"role", "event"},
	)
	wsFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_frames_total",
			Help: "Inbound websocket frames by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	wsDroppedFramesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_ws_dropped_frames_total",
			Help: "Outbound frames dropped because a connection queue was full or closed.",
		},
	)
	messagesAcceptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_accepted_total",
			Help: "Chat messages persisted and broadcast.",
		},
		[]string{"sender"},
	)
	sessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_sessions_created_total",
			Help: "Chat sessions created on a customer's first message.",
		},
	)
	sessionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sessions_closed_total",
			Help: "Chat sessions closed, by reason.",
		},
		[]string{"reason"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		wsFramesTotal,
		wsDroppedFramesTotal,
		messagesAcceptedTotal,
		sessionsCreatedTotal,
		sessionsClosedTotal,
		amqpPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive(role string) {
	wsActiveConnections.WithLabelValues(role).Inc()
}

func DecWSActive(role string) {
	wsActiveConnections.WithLabelValues(role).Dec()
}

func IncWSEvent(role, event string) {
	wsEventsTotal.WithLabelValues(role, event).Inc()
}

// IncFrame records an inbound frame; outcome is "ok" or a short rejection reason.
func IncFrame(frameType, outcome string) {
	wsFramesTotal.WithLabelValues(frameType, outcome).Inc()
}

func IncDroppedFrame() {
	wsDroppedFramesTotal.Inc()
}

func IncMessageAccepted(sender string) {
	messagesAcceptedTotal.WithLabelValues(sender).Inc()
}

func IncSessionCreated() {
	sessionsCreatedTotal.Inc()
}

func IncSessionClosed(reason string) {
	sessionsClosedTotal.WithLabelValues(reason).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}
