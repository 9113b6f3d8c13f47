package ws

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"storefront-chat/internal/logging"
	"storefront-chat/internal/models"
	"storefront-chat/internal/observability"
	"storefront-chat/internal/repositories"
)

// Error texts sent to clients in error frames.
const (
	errMsgMalformed       = "malformed frame"
	errMsgUnknownType     = "unknown frame type"
	errMsgInvalidSender   = "invalid sender"
	errMsgRoleMismatch    = "sender does not match connection role"
	errMsgNotJoined       = "not joined to a session"
	errMsgAlreadyJoined   = "already joined to a session"
	errMsgSessionNotFound = "session not found"
	errMsgSessionClosed   = "session is closed"
	errMsgTooLong         = "message too long"
	errMsgRateLimited     = "rate limit exceeded"
	errMsgInternal        = "internal error"
)

const defaultStoreTimeout = 5 * time.Second

// Options tunes the protocol handler.
type Options struct {
	MaxMessageLen int
	StoreTimeout  time.Duration
}

// ProtocolHandler interprets inbound frames for every connection: it binds
// connections to sessions, creates sessions lazily on a customer's first
// message, persists messages and fans them out.
type ProtocolHandler struct {
	store    repositories.SessionStore
	registry *Registry
	pending  *PendingIdentities
	locks    *sessionLocks
	opts     Options
	tracer   trace.Tracer
	log      zerolog.Logger
}

func NewProtocolHandler(store repositories.SessionStore, registry *Registry, pending *PendingIdentities, opts Options) *ProtocolHandler {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	return &ProtocolHandler{
		store:    store,
		registry: registry,
		pending:  pending,
		locks:    newSessionLocks(),
		opts:     opts,
		tracer:   otel.Tracer("storefront-chat/ws"),
		log:      logging.Component("protocol"),
	}
}

// HandleFrame decodes and dispatches one inbound frame. Failures are reported
// to c as error frames and never affect other connections.
func (h *ProtocolHandler) HandleFrame(ctx context.Context, c *Conn, raw []byte) {
	frame, err := models.DecodeInbound(raw)
	if err != nil {
		msg, reason := errMsgMalformed, "malformed"
		switch {
		case errors.Is(err, models.ErrUnknownFrame):
			msg, reason = errMsgUnknownType, "unknown_type"
		case errors.Is(err, models.ErrInvalidSender):
			msg, reason = errMsgInvalidSender, "invalid_sender"
		}
		observability.IncFrame("invalid", reason)
		h.log.Debug().Err(err).Str("conn_id", c.ID()).Msg("rejected frame")
		c.sendError(msg)
		return
	}

	if frame.FrameSender() != c.Role() {
		observability.IncFrame(frame.FrameType(), "role_mismatch")
		c.sendError(errMsgRoleMismatch)
		return
	}

	ctx, span := h.tracer.Start(ctx, "ws.frame."+frame.FrameType(),
		trace.WithAttributes(attribute.String("chat.conn_id", c.ID()), attribute.String("chat.role", string(c.Role()))))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	switch f := frame.(type) {
	case models.JoinFrame:
		h.handleJoin(ctx, c, f)
	case models.MessageFrame:
		h.handleMessage(ctx, c, f)
	case models.TypingFrame:
		h.handleTyping(c, f)
	}
}

func (h *ProtocolHandler) handleJoin(ctx context.Context, c *Conn, f models.JoinFrame) {
	current, isBound := c.state.bound()
	if isBound {
		if f.SessionID != "" && f.SessionID != current {
			observability.IncFrame(models.FrameJoin, "already_joined")
			c.sendError(errMsgAlreadyJoined)
			return
		}
		f.SessionID = current
	}

	if f.SessionID != "" {
		session, err := h.store.GetSession(ctx, f.SessionID)
		switch {
		case err == nil && c.Role() == models.SenderCustomer && session.IsClosed() && !isBound:
			// A reload after the session was closed starts a new conversation.
			h.log.Info().Str("conn_id", c.ID()).Str("session_id", f.SessionID).Msg("join with closed session id")
		case err == nil:
			if c.Role() == models.SenderCustomer {
				session = h.fillIdentity(ctx, session, f.CustomerName, f.CustomerEmail)
			}
			h.bind(ctx, c, session)
			return
		case errors.Is(err, repositories.ErrSessionNotFound):
			h.log.Info().Str("conn_id", c.ID()).Str("session_id", f.SessionID).Msg("join with unknown session id")
			if isBound {
				c.sendError(errMsgSessionNotFound)
				return
			}
		default:
			h.log.Error().Err(err).Str("session_id", f.SessionID).Msg("load session for join")
			c.sendError(errMsgInternal)
			return
		}
	}

	if c.Role() == models.SenderAdmin {
		observability.IncFrame(models.FrameJoin, "not_found")
		c.sendError(errMsgSessionNotFound)
		return
	}

	h.pending.Remember(c, f.CustomerName, f.CustomerEmail)
	observability.IncFrame(models.FrameJoin, "pending")
}

// fillIdentity stores identity a returning customer supplied on join, but
// only for fields the session does not have yet. A failure keeps the session
// as loaded; identity is not worth failing a join.
func (h *ProtocolHandler) fillIdentity(ctx context.Context, session models.ChatSession, name, email *string) models.ChatSession {
	if session.CustomerName != nil {
		name = nil
	}
	if session.CustomerEmail != nil {
		email = nil
	}
	if name == nil && email == nil {
		return session
	}
	if err := h.store.UpdateCustomer(ctx, session.ID, name, email); err != nil {
		h.log.Warn().Err(err).Str("session_id", session.ID).Msg("update customer identity")
		return session
	}
	updated, err := h.store.GetSession(ctx, session.ID)
	if err != nil {
		return session
	}
	return updated
}

// bind subscribes c to the session and replays its history. Holding the
// session lock keeps a concurrent broadcast from landing between the
// history snapshot and the subscription.
func (h *ProtocolHandler) bind(ctx context.Context, c *Conn, session models.ChatSession) {
	unlock := h.locks.lock(session.ID)
	defer unlock()

	msgs, err := h.store.GetMessages(ctx, session.ID)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", session.ID).Msg("load history")
		c.sendError(errMsgInternal)
		return
	}

	h.registry.Subscribe(session.ID, c)
	c.state = boundTo(session.ID)
	h.pending.Forget(c)

	c.sendFrame(models.NewSessionFrame(session))
	c.sendFrame(models.NewHistoryFrame(msgs))
	observability.IncFrame(models.FrameJoin, "ok")
}

func (h *ProtocolHandler) handleMessage(ctx context.Context, c *Conn, f models.MessageFrame) {
	text := strings.TrimSpace(f.Message)
	if text == "" {
		observability.IncFrame(models.FrameMessage, "empty")
		return
	}
	if utf8.RuneCountInString(text) > h.opts.MaxMessageLen && h.opts.MaxMessageLen > 0 {
		observability.IncFrame(models.FrameMessage, "too_long")
		c.sendError(errMsgTooLong)
		return
	}
	if !c.allow() {
		observability.IncFrame(models.FrameMessage, "rate_limited")
		c.sendError(errMsgRateLimited)
		return
	}

	var (
		msg models.ChatMessage
		ok  bool
	)
	sessionID, isBound := c.state.bound()
	switch {
	case isBound:
		msg, ok = h.accept(ctx, c, sessionID, text)
	case c.Role() == models.SenderCustomer:
		msg, ok = h.startSession(ctx, c, f, text)
	default:
		observability.IncFrame(models.FrameMessage, "not_joined")
		c.sendError(errMsgNotJoined)
		return
	}
	if !ok {
		return
	}

	observability.IncFrame(models.FrameMessage, "ok")
	observability.IncMessageAccepted(string(msg.Sender))
	h.publish(ctx, c, observability.RoutingMessageEvents, "chat_message_accepted", map[string]interface{}{
		"session_id": msg.SessionID,
		"message_id": msg.ID,
		"sender":     msg.Sender,
		"length":     utf8.RuneCountInString(msg.Message),
	})
}

// startSession creates a session for an unjoined customer together with
// their first real message and binds the connection to it. The store writes
// both or neither, so a failure leaves the connection unjoined with its
// pending identity intact.
func (h *ProtocolHandler) startSession(ctx context.Context, c *Conn, f models.MessageFrame, text string) (models.ChatMessage, bool) {
	pending, _ := h.pending.Recall(c)
	name := f.CustomerName
	if name == nil {
		name = pending.CustomerName
	}
	email := f.CustomerEmail
	if email == nil {
		email = pending.CustomerEmail
	}

	session, msg, err := h.store.StartSession(ctx, name, email, c.Role(), text)
	if err != nil {
		observability.IncFrame(models.FrameMessage, "store_error")
		h.log.Error().Err(err).Str("conn_id", c.ID()).Msg("start session")
		c.sendError(errMsgInternal)
		return models.ChatMessage{}, false
	}

	// An operator who found the session in the meantime already got the
	// first message in its history, so only the sender is sent it here.
	unlock := h.locks.lock(session.ID)
	h.registry.Subscribe(session.ID, c)
	c.state = boundTo(session.ID)
	h.pending.Forget(c)
	c.sendFrame(models.NewSessionFrame(session))
	c.sendFrame(models.NewMessageEvent(msg))
	unlock()

	observability.IncSessionCreated()
	h.log.Info().Str("session_id", session.ID).Str("conn_id", c.ID()).Msg("chat session created")
	h.publish(ctx, c, observability.RoutingSessionEvents, "chat_session_created", map[string]interface{}{
		"session_id": session.ID,
	})
	return msg, true
}

// accept persists text and broadcasts it to every subscriber, the sender
// included, while holding the session lock.
func (h *ProtocolHandler) accept(ctx context.Context, c *Conn, sessionID, text string) (models.ChatMessage, bool) {
	unlock := h.locks.lock(sessionID)
	defer unlock()

	session, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		h.reportStoreError(c, sessionID, err)
		return models.ChatMessage{}, false
	}
	if session.IsClosed() {
		observability.IncFrame(models.FrameMessage, "closed")
		c.sendError(errMsgSessionClosed)
		return models.ChatMessage{}, false
	}

	msg, err := h.store.AppendMessage(ctx, sessionID, c.Role(), text)
	if err != nil {
		h.reportStoreError(c, sessionID, err)
		return models.ChatMessage{}, false
	}
	if err := h.store.TouchLastMessage(ctx, sessionID); err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("touch last message")
	}

	payload, err := encodeFrame(models.NewMessageEvent(msg))
	if err != nil {
		h.log.Error().Err(err).Msg("encode message event")
		return msg, true
	}
	h.registry.Broadcast(sessionID, payload)
	return msg, true
}

func (h *ProtocolHandler) reportStoreError(c *Conn, sessionID string, err error) {
	if errors.Is(err, repositories.ErrSessionNotFound) {
		observability.IncFrame(models.FrameMessage, "not_found")
		c.sendError(errMsgSessionNotFound)
		return
	}
	observability.IncFrame(models.FrameMessage, "store_error")
	h.log.Error().Err(err).Str("session_id", sessionID).Msg("store message")
	c.sendError(errMsgInternal)
}

func (h *ProtocolHandler) handleTyping(c *Conn, f models.TypingFrame) {
	sessionID, isBound := c.state.bound()
	if !isBound {
		observability.IncFrame(models.FrameTyping, "not_joined")
		return
	}
	payload, err := encodeFrame(models.NewTypingFrame(c.Role(), f.IsTyping))
	if err != nil {
		return
	}
	h.registry.BroadcastExcept(sessionID, payload, c)
	observability.IncFrame(models.FrameTyping, "ok")
}

// Connect registers a freshly upgraded connection as live.
func (h *ProtocolHandler) Connect(c *Conn) {
	h.registry.Attach(c)
}

// Disconnect releases everything the connection held. The session survives.
func (h *ProtocolHandler) Disconnect(c *Conn) {
	if sessionID, ok := c.state.bound(); ok {
		h.registry.Unsubscribe(sessionID, c)
	}
	h.pending.Forget(c)
	h.registry.Detach(c)
}

// CloseSession closes a session and tells its live subscribers. Closing an
// already closed session succeeds without notifying again.
func (h *ProtocolHandler) CloseSession(ctx context.Context, sessionID, reason string) (models.ChatSession, error) {
	session, _, err := h.closeWhen(ctx, sessionID, reason, nil)
	return session, err
}

// closeIfIdle closes the session only if nothing was written to it since
// cutoff. The check runs under the session lock so a concurrent message wins.
func (h *ProtocolHandler) closeIfIdle(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	_, closed, err := h.closeWhen(ctx, sessionID, "idle", func(s models.ChatSession) bool {
		return s.LastMessageAt.Before(cutoff)
	})
	return closed, err
}

func (h *ProtocolHandler) closeWhen(ctx context.Context, sessionID, reason string, cond func(models.ChatSession) bool) (models.ChatSession, bool, error) {
	unlock := h.locks.lock(sessionID)
	defer unlock()

	before, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.ChatSession{}, false, err
	}
	if before.IsClosed() || (cond != nil && !cond(before)) {
		return before, false, nil
	}
	if err := h.store.CloseSession(ctx, sessionID); err != nil {
		return models.ChatSession{}, false, err
	}
	session, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.ChatSession{}, false, err
	}

	if payload, err := encodeFrame(models.NewSessionFrame(session)); err == nil {
		h.registry.Broadcast(sessionID, payload)
	}
	observability.IncSessionClosed(reason)
	h.log.Info().Str("session_id", sessionID).Str("reason", reason).Msg("chat session closed")
	return session, true, nil
}

// Connections reports how many live connections are bound to a session.
func (h *ProtocolHandler) Connections(sessionID string) int {
	return h.registry.Count(sessionID)
}

func (h *ProtocolHandler) publish(ctx context.Context, c *Conn, routingKey, name string, payload map[string]interface{}) {
	_ = observability.PublishEvent(ctx, routingKey, observability.EventEnvelope{
		EventType: "chat_events",
		EventName: name,
		Payload:   payload,
	}, observability.BuildHeaders(c.info.RequestID, c.info.TraceID))
}
