package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"storefront-chat/internal/config"
	"storefront-chat/internal/middleware"
	"storefront-chat/internal/models"
	"storefront-chat/internal/observability"
)

// ChatWebSocketHandler upgrades storefront widget and operator console
// connections and runs them through the protocol handler.
type ChatWebSocketHandler struct {
	protocol *ProtocolHandler
	cfg      config.ChatConfig
	validate middleware.TokenValidator
	upgrader websocket.Upgrader
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler. An empty origin
// list, or one containing "*", accepts every origin.
func NewChatWebSocketHandler(protocol *ProtocolHandler, cfg config.ChatConfig, validate middleware.TokenValidator, allowedOrigins []string) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		protocol: protocol,
		cfg:      cfg,
		validate: validate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		if len(set) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Handle upgrades GET /ws/chat. Connections are customers unless they ask
// for ?role=admin and present a valid operator token.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	role := models.SenderCustomer
	if r := c.Query("role"); r != "" {
		role = models.Sender(r)
		if !role.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
			return
		}
	}

	ctx, span := otel.Tracer("storefront-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	if role == models.SenderAdmin && !h.authorized(c) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		Role:        role,
		IP:          observability.IPFromRequest(c.Request),
		UserAgent:   c.Request.UserAgent(),
		RequestID:   requestID(c),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	conn := newConn(wsConn, info, h.cfg)
	h.protocol.Connect(conn)

	observability.IncWSActive(string(role))
	observability.IncWSEvent(string(role), "ws_connect")
	connCtx := context.WithoutCancel(ctx)
	h.publishWSEvent(connCtx, conn, "ws_connect", "")

	go conn.writePump()
	go h.serve(connCtx, conn)
}

func requestID(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDKey); id != "" {
		return id
	}
	return observability.RequestIDFromRequest(c.Request)
}

func (h *ChatWebSocketHandler) authorized(c *gin.Context) bool {
	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	return token != "" && h.validate(token)
}

func (h *ChatWebSocketHandler) serve(ctx context.Context, conn *Conn) {
	var closeReason string
	role := string(conn.Role())
	defer func() {
		h.protocol.Disconnect(conn)
		conn.Close()
		observability.DecWSActive(role)
		observability.IncWSEvent(role, "ws_disconnect")
		h.publishWSEvent(ctx, conn, "ws_disconnect", closeReason)
	}()

	err := conn.readPump(func(raw []byte) {
		h.protocol.HandleFrame(ctx, conn, raw)
	})
	closeReason = err.Error()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		observability.IncWSEvent(role, "ws_error")
		h.publishWSEvent(ctx, conn, "ws_error", closeReason)
	}
}

// publishWSEvent must run on the connection's read goroutine, or before it
// starts, since it reads the connection state.
func (h *ChatWebSocketHandler) publishWSEvent(ctx context.Context, conn *Conn, event, reason string) {
	info := conn.info
	sessionID, _ := conn.state.bound()
	_ = observability.PublishEvent(ctx, observability.RoutingWSEvents, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "chat",
				"role":        info.Role,
				"event":       event,
				"conn_id":     info.ConnID,
				"session_id":  sessionID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"ip":         info.IP,
				"user_agent": info.UserAgent,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
