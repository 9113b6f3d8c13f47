package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"storefront-chat/internal/middleware"
	"storefront-chat/internal/models"
	"storefront-chat/internal/repositories"
	"storefront-chat/internal/telemetry"
)

// LiveSessions is the part of the websocket layer the operator endpoints
// need: live connection counts and closing a session with notification.
type LiveSessions interface {
	CloseSession(ctx context.Context, sessionID, reason string) (models.ChatSession, error)
	Connections(sessionID string) int
}

// AdminHandler serves the operator console's session list and read state.
type AdminHandler struct {
	store repositories.SessionStore
	live  LiveSessions
	audit *telemetry.AuditEmitter
}

// NewAdminHandler builds an AdminHandler. audit may be nil.
func NewAdminHandler(store repositories.SessionStore, live LiveSessions, audit *telemetry.AuditEmitter) *AdminHandler {
	return &AdminHandler{store: store, live: live, audit: audit}
}

// ListSessions returns every session with the operator's unread count,
// most recently active first.
func (h *AdminHandler) ListSessions(c *gin.Context) {
	ctx := c.Request.Context()
	sessions, err := h.store.ListSessions(ctx)
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Msg("list chat sessions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sessions"})
		return
	}

	summaries := make([]models.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		unread, err := h.store.UnreadCount(ctx, s.ID, models.SenderAdmin)
		if err != nil {
			middleware.LoggerFrom(c).Error().Err(err).Str("session_id", s.ID).Msg("count unread")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sessions"})
			return
		}
		summaries = append(summaries, models.SessionSummary{
			ChatSession: s,
			UnreadCount: unread,
			Connections: h.live.Connections(s.ID),
		})
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastMessageAt.After(summaries[j].LastMessageAt)
	})

	c.JSON(http.StatusOK, gin.H{"sessions": summaries})
}

// GetSession returns one session with its full transcript.
func (h *AdminHandler) GetSession(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")

	session, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		h.storeError(c, err, "failed to load session")
		return
	}
	messages, err := h.store.GetMessages(ctx, sessionID)
	if err != nil {
		h.storeError(c, err, "failed to load messages")
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": session, "messages": messages})
}

// MarkRead clears the operator's unread count for a session. Idempotent.
func (h *AdminHandler) MarkRead(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")

	if _, err := h.store.GetSession(ctx, sessionID); err != nil {
		h.storeError(c, err, "failed to mark read")
		return
	}
	if err := h.store.MarkAllRead(ctx, sessionID, models.SenderAdmin); err != nil {
		h.storeError(c, err, "failed to mark read")
		return
	}

	h.audit.Emit(ctx, "INFO", "chat_mark_read", "operator marked session read", requestIDFromContext(c), &sessionID)
	c.Status(http.StatusNoContent)
}

// CloseSession ends a conversation and notifies anyone still connected.
func (h *AdminHandler) CloseSession(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")

	if _, err := h.live.CloseSession(ctx, sessionID, "admin"); err != nil {
		h.storeError(c, err, "failed to close session")
		return
	}

	h.audit.Emit(ctx, "INFO", "chat_close", "operator closed session", requestIDFromContext(c), &sessionID)
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) storeError(c *gin.Context, err error, msg string) {
	if errors.Is(err, repositories.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	middleware.LoggerFrom(c).Error().Err(err).Str("session_id", c.Param("session_id")).Msg(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
