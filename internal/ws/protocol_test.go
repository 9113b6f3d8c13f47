package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-chat/internal/config"
	"storefront-chat/internal/models"
	"storefront-chat/internal/repositories"
)

func testChatConfig() config.ChatConfig {
	return config.ChatConfig{
		MaxMessageLen:     50,
		RateRPS:           1000,
		RateBurst:         1000,
		SendQueue:         64,
		PingInterval:      54 * time.Second,
		PongWait:          60 * time.Second,
		WriteWait:         10 * time.Second,
		MaxFrameBytes:     16 << 10,
		StoreTimeout:      time.Second,
		IdleSweepInterval: time.Minute,
	}
}

type protocolFixture struct {
	handler  *ProtocolHandler
	store    *repositories.MemoryStore
	registry *Registry
	pending  *PendingIdentities
	cfg      config.ChatConfig
}

func newProtocolFixture(t *testing.T) *protocolFixture {
	t.Helper()
	cfg := testChatConfig()
	store := repositories.NewMemoryStore()
	registry := NewRegistry()
	pending := NewPendingIdentities()
	return &protocolFixture{
		handler: NewProtocolHandler(store, registry, pending, Options{
			MaxMessageLen: cfg.MaxMessageLen,
			StoreTimeout:  cfg.StoreTimeout,
		}),
		store:    store,
		registry: registry,
		pending:  pending,
		cfg:      cfg,
	}
}

func (f *protocolFixture) conn(role models.Sender) *Conn {
	return newConn(nil, ConnInfo{ConnID: newConnID(), Role: role, ConnectedAt: time.Now()}, f.cfg)
}

func (f *protocolFixture) send(t *testing.T, c *Conn, frame map[string]any) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	f.handler.HandleFrame(context.Background(), c, raw)
}

func (f *protocolFixture) sessions(t *testing.T) []models.ChatSession {
	t.Helper()
	sessions, err := f.store.ListSessions(context.Background())
	require.NoError(t, err)
	return sessions
}

// drain returns every frame queued for c so far.
func drain(t *testing.T, c *Conn) []models.OutboundFrame {
	t.Helper()
	var frames []models.OutboundFrame
	for {
		select {
		case raw := <-c.send:
			frame, err := models.DecodeOutbound(raw)
			require.NoError(t, err)
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func frameTypes(frames []models.OutboundFrame) []string {
	types := make([]string, 0, len(frames))
	for _, f := range frames {
		types = append(types, f.FrameType())
	}
	return types
}

func messageTexts(frames []models.OutboundFrame) []string {
	var texts []string
	for _, f := range frames {
		if ev, ok := f.(models.MessageEvent); ok {
			texts = append(texts, ev.Message.Message)
		}
	}
	return texts
}

func errorTexts(frames []models.OutboundFrame) []string {
	var texts []string
	for _, f := range frames {
		if ev, ok := f.(models.ErrorFrame); ok {
			texts = append(texts, ev.Message)
		}
	}
	return texts
}

func joinFrame(sender models.Sender, sessionID string) map[string]any {
	frame := map[string]any{"type": "join", "sender": sender}
	if sessionID != "" {
		frame["sessionId"] = sessionID
	}
	return frame
}

func messageFrame(sender models.Sender, text string) map[string]any {
	return map[string]any{"type": "message", "sender": sender, "message": text}
}

// startSession has a fresh customer create a session and returns both.
func (f *protocolFixture) startSession(t *testing.T, text string) (*Conn, string) {
	t.Helper()
	customer := f.conn(models.SenderCustomer)
	f.send(t, customer, joinFrame(models.SenderCustomer, ""))
	f.send(t, customer, messageFrame(models.SenderCustomer, text))
	frames := drain(t, customer)
	require.NotEmpty(t, frames)
	session, ok := frames[0].(models.SessionFrame)
	require.True(t, ok, "first frame should be session, got %v", frameTypes(frames))
	return customer, session.SessionID
}

func TestLazySessionCreation(t *testing.T) {
	f := newProtocolFixture(t)
	customer := f.conn(models.SenderCustomer)

	f.send(t, customer, map[string]any{"type": "join", "sender": "customer", "customerName": "Ada"})
	assert.Empty(t, drain(t, customer))
	assert.Empty(t, f.sessions(t))
	assert.Equal(t, 1, f.pending.Len())

	f.send(t, customer, messageFrame(models.SenderCustomer, "hi"))
	frames := drain(t, customer)
	require.Equal(t, []string{models.FrameSession, models.FrameMessage}, frameTypes(frames))

	sessions := f.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.StatusActive, sessions[0].Status)
	require.NotNil(t, sessions[0].CustomerName)
	assert.Equal(t, "Ada", *sessions[0].CustomerName)
	assert.Equal(t, 0, f.pending.Len())

	msgs, err := f.store.GetMessages(context.Background(), sessions[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Message)
	assert.Equal(t, models.SenderCustomer, msgs[0].Sender)
	assert.Equal(t, 1, f.registry.Count(sessions[0].ID))
}

func TestFrameIdentityOverridesPending(t *testing.T) {
	f := newProtocolFixture(t)
	customer := f.conn(models.SenderCustomer)

	f.send(t, customer, map[string]any{"type": "join", "sender": "customer", "customerName": "Ada", "customerEmail": "ada@example.com"})
	f.send(t, customer, map[string]any{"type": "message", "sender": "customer", "message": "hi", "customerName": "Grace"})

	sessions := f.sessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, "Grace", *sessions[0].CustomerName)
	assert.Equal(t, "ada@example.com", *sessions[0].CustomerEmail)
}

func TestEmptyFirstMessageCreatesNothing(t *testing.T) {
	f := newProtocolFixture(t)
	customer := f.conn(models.SenderCustomer)

	f.send(t, customer, messageFrame(models.SenderCustomer, "   \n\t"))
	assert.Empty(t, drain(t, customer))
	assert.Empty(t, f.sessions(t))
}

func TestHistoryReplayIsIdempotent(t *testing.T) {
	f := newProtocolFixture(t)
	customer, sessionID := f.startSession(t, "one")
	f.send(t, customer, messageFrame(models.SenderCustomer, "two"))
	drain(t, customer)

	first := f.conn(models.SenderCustomer)
	f.send(t, first, joinFrame(models.SenderCustomer, sessionID))
	second := f.conn(models.SenderCustomer)
	f.send(t, second, joinFrame(models.SenderCustomer, sessionID))

	a, b := drain(t, first), drain(t, second)
	require.Equal(t, []string{models.FrameSession, models.FrameHistory}, frameTypes(a))
	require.Equal(t, []string{models.FrameSession, models.FrameHistory}, frameTypes(b))
	assert.Equal(t, a[1], b[1])

	history := a[1].(models.HistoryFrame)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "one", history.Messages[0].Message)
	assert.Equal(t, "two", history.Messages[1].Message)

	f.send(t, first, joinFrame(models.SenderCustomer, sessionID))
	again := drain(t, first)
	require.Equal(t, []string{models.FrameSession, models.FrameHistory}, frameTypes(again))
	assert.Equal(t, history, again[1])
	assert.Equal(t, 3, f.registry.Count(sessionID))
}

func TestBroadcastFanOutIncludesSenderInOrder(t *testing.T) {
	f := newProtocolFixture(t)
	customer, sessionID := f.startSession(t, "hello")

	admin := f.conn(models.SenderAdmin)
	f.send(t, admin, joinFrame(models.SenderAdmin, sessionID))
	drain(t, admin)

	f.send(t, customer, messageFrame(models.SenderCustomer, "a"))
	f.send(t, admin, messageFrame(models.SenderAdmin, "b"))
	f.send(t, customer, messageFrame(models.SenderCustomer, "c"))

	assert.Equal(t, []string{"a", "b", "c"}, messageTexts(drain(t, customer)))
	assert.Equal(t, []string{"a", "b", "c"}, messageTexts(drain(t, admin)))

	msgs, err := f.store.GetMessages(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, models.SenderAdmin, msgs[2].Sender)
}

func TestUnreadAccountingThroughProtocol(t *testing.T) {
	f := newProtocolFixture(t)
	ctx := context.Background()
	customer, sessionID := f.startSession(t, "m1")
	f.send(t, customer, messageFrame(models.SenderCustomer, "m2"))
	f.send(t, customer, messageFrame(models.SenderCustomer, "m3"))

	count, err := f.store.UnreadCount(ctx, sessionID, models.SenderAdmin)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, f.store.MarkAllRead(ctx, sessionID, models.SenderAdmin))
	count, err = f.store.UnreadCount(ctx, sessionID, models.SenderAdmin)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	f.send(t, customer, messageFrame(models.SenderCustomer, "m4"))
	count, err = f.store.UnreadCount(ctx, sessionID, models.SenderAdmin)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDisconnectKeepsSession(t *testing.T) {
	f := newProtocolFixture(t)
	customer, sessionID := f.startSession(t, "before")

	f.handler.Disconnect(customer)
	assert.Equal(t, 0, f.registry.Count(sessionID))

	session, err := f.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, session.Status)

	back := f.conn(models.SenderCustomer)
	f.send(t, back, joinFrame(models.SenderCustomer, sessionID))
	frames := drain(t, back)
	require.Equal(t, []string{models.FrameSession, models.FrameHistory}, frameTypes(frames))
	history := frames[1].(models.HistoryFrame)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, "before", history.Messages[0].Message)
}

func TestDisconnectForgetsPendingIdentity(t *testing.T) {
	f := newProtocolFixture(t)
	customer := f.conn(models.SenderCustomer)
	f.send(t, customer, map[string]any{"type": "join", "sender": "customer", "customerName": "Ada"})
	require.Equal(t, 1, f.pending.Len())

	f.handler.Disconnect(customer)
	assert.Equal(t, 0, f.pending.Len())
}

func TestAdminMessageBeforeJoinRejected(t *testing.T) {
	f := newProtocolFixture(t)
	admin := f.conn(models.SenderAdmin)

	f.send(t, admin, messageFrame(models.SenderAdmin, "hello?"))
	assert.Equal(t, []string{errMsgNotJoined}, errorTexts(drain(t, admin)))
	assert.Empty(t, f.sessions(t))
}

func TestAdminJoinUnknownSession(t *testing.T) {
	f := newProtocolFixture(t)
	admin := f.conn(models.SenderAdmin)

	f.send(t, admin, joinFrame(models.SenderAdmin, "missing"))
	assert.Equal(t, []string{errMsgSessionNotFound}, errorTexts(drain(t, admin)))

	f.send(t, admin, joinFrame(models.SenderAdmin, ""))
	assert.Equal(t, []string{errMsgSessionNotFound}, errorTexts(drain(t, admin)))
	assert.Equal(t, 0, f.pending.Len())
}

func TestCustomerStaleSessionFallsBack(t *testing.T) {
	f := newProtocolFixture(t)
	customer := f.conn(models.SenderCustomer)

	f.send(t, customer, joinFrame(models.SenderCustomer, "stale"))
	assert.Empty(t, drain(t, customer))

	f.send(t, customer, messageFrame(models.SenderCustomer, "fresh start"))
	frames := drain(t, customer)
	require.Equal(t, []string{models.FrameSession, models.FrameMessage}, frameTypes(frames))
	assert.NotEqual(t, "stale", frames[0].(models.SessionFrame).SessionID)
}

func TestJoinFillsMissingCustomerIdentityOnly(t *testing.T) {
	f := newProtocolFixture(t)
	customer := f.conn(models.SenderCustomer)
	f.send(t, customer, map[string]any{"type": "join", "sender": "customer", "customerName": "Ada"})
	f.send(t, customer, messageFrame(models.SenderCustomer, "hi"))
	sessionID := drain(t, customer)[0].(models.SessionFrame).SessionID

	back := f.conn(models.SenderCustomer)
	f.send(t, back, map[string]any{
		"type": "join", "sender": "customer", "sessionId": sessionID,
		"customerName": "Grace", "customerEmail": "ada@example.com",
	})
	frames := drain(t, back)
	require.NotEmpty(t, frames)
	session := frames[0].(models.SessionFrame).Session
	require.NotNil(t, session.CustomerName)
	assert.Equal(t, "Ada", *session.CustomerName)
	require.NotNil(t, session.CustomerEmail)
	assert.Equal(t, "ada@example.com", *session.CustomerEmail)

	again := f.conn(models.SenderCustomer)
	f.send(t, again, map[string]any{"type": "join", "sender": "customer", "sessionId": sessionID, "customerEmail": "other@example.com"})
	stored, err := f.store.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", *stored.CustomerName)
	assert.Equal(t, "ada@example.com", *stored.CustomerEmail)
}

func TestCustomerJoinClosedSessionStartsFresh(t *testing.T) {
	f := newProtocolFixture(t)
	_, closedID := f.startSession(t, "hi")
	_, err := f.handler.CloseSession(context.Background(), closedID, "admin")
	require.NoError(t, err)

	reload := f.conn(models.SenderCustomer)
	f.send(t, reload, joinFrame(models.SenderCustomer, closedID))
	assert.Empty(t, drain(t, reload))
	assert.Equal(t, 0, f.registry.Count(closedID))
	assert.Equal(t, 1, f.pending.Len())

	f.send(t, reload, messageFrame(models.SenderCustomer, "hello again"))
	frames := drain(t, reload)
	require.Equal(t, []string{models.FrameSession, models.FrameMessage}, frameTypes(frames))
	assert.Empty(t, errorTexts(frames))
	freshID := frames[0].(models.SessionFrame).SessionID
	assert.NotEqual(t, closedID, freshID)
	assert.Len(t, f.sessions(t), 2)

	old, err := f.store.GetMessages(context.Background(), closedID)
	require.NoError(t, err)
	assert.Len(t, old, 1)
}

func TestAdminJoinClosedSessionReplaysTranscript(t *testing.T) {
	f := newProtocolFixture(t)
	_, sessionID := f.startSession(t, "hi")
	_, err := f.handler.CloseSession(context.Background(), sessionID, "admin")
	require.NoError(t, err)

	admin := f.conn(models.SenderAdmin)
	f.send(t, admin, joinFrame(models.SenderAdmin, sessionID))
	frames := drain(t, admin)
	require.Equal(t, []string{models.FrameSession, models.FrameHistory}, frameTypes(frames))
	assert.True(t, frames[0].(models.SessionFrame).Session.IsClosed())
}

type failingStartStore struct {
	*repositories.MemoryStore
}

func (failingStartStore) StartSession(context.Context, *string, *string, models.Sender, string) (models.ChatSession, models.ChatMessage, error) {
	return models.ChatSession{}, models.ChatMessage{}, assert.AnError
}

func TestFailedFirstMessageLeavesNoSession(t *testing.T) {
	f := newProtocolFixture(t)
	f.handler = NewProtocolHandler(failingStartStore{f.store}, f.registry, f.pending, Options{MaxMessageLen: f.cfg.MaxMessageLen})
	customer := f.conn(models.SenderCustomer)

	f.send(t, customer, map[string]any{"type": "join", "sender": "customer", "customerName": "Ada"})
	f.send(t, customer, messageFrame(models.SenderCustomer, "hi"))

	assert.Equal(t, []string{errMsgInternal}, errorTexts(drain(t, customer)))
	assert.Empty(t, f.sessions(t))
	assert.Equal(t, 0, f.registry.Len())
	_, bound := customer.state.bound()
	assert.False(t, bound)
	_, ok := f.pending.Recall(customer)
	assert.True(t, ok)
}

func TestJoinDifferentSessionWhileBound(t *testing.T) {
	f := newProtocolFixture(t)
	customer, sessionID := f.startSession(t, "first")
	_, otherID := f.startSession(t, "second")

	f.send(t, customer, joinFrame(models.SenderCustomer, otherID))
	assert.Equal(t, []string{errMsgAlreadyJoined}, errorTexts(drain(t, customer)))
	assert.Equal(t, 1, f.registry.Count(sessionID))
	assert.Equal(t, 1, f.registry.Count(otherID))
}

func TestTypingIsolation(t *testing.T) {
	f := newProtocolFixture(t)
	customer, sessionID := f.startSession(t, "hi")
	admin := f.conn(models.SenderAdmin)
	f.send(t, admin, joinFrame(models.SenderAdmin, sessionID))
	drain(t, admin)

	_, otherID := f.startSession(t, "elsewhere")
	outsider := f.conn(models.SenderAdmin)
	f.send(t, outsider, joinFrame(models.SenderAdmin, otherID))
	drain(t, outsider)

	f.send(t, customer, map[string]any{"type": "typing", "sender": "customer", "isTyping": true})

	assert.Empty(t, drain(t, customer))
	assert.Empty(t, drain(t, outsider))
	frames := drain(t, admin)
	require.Len(t, frames, 1)
	typing, ok := frames[0].(models.TypingFrame)
	require.True(t, ok)
	assert.Equal(t, models.SenderCustomer, typing.Sender)
	assert.True(t, typing.IsTyping)

	msgs, err := f.store.GetMessages(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestTypingBeforeJoinIgnored(t *testing.T) {
	f := newProtocolFixture(t)
	customer := f.conn(models.SenderCustomer)

	f.send(t, customer, map[string]any{"type": "typing", "sender": "customer", "isTyping": true})
	assert.Empty(t, drain(t, customer))
}

func TestRejectedFrames(t *testing.T) {
	tests := []struct {
		name  string
		role  models.Sender
		raw   string
		error string
	}{
		{"malformed json", models.SenderCustomer, `{"type":`, errMsgMalformed},
		{"unknown type", models.SenderCustomer, `{"type":"shout","sender":"customer"}`, errMsgUnknownType},
		{"invalid sender", models.SenderCustomer, `{"type":"message","sender":"bot","message":"x"}`, errMsgInvalidSender},
		{"customer posing as admin", models.SenderCustomer, `{"type":"message","sender":"admin","message":"x"}`, errMsgRoleMismatch},
		{"admin posing as customer", models.SenderAdmin, `{"type":"join","sender":"customer"}`, errMsgRoleMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProtocolFixture(t)
			c := f.conn(tt.role)
			f.handler.HandleFrame(context.Background(), c, []byte(tt.raw))
			assert.Equal(t, []string{tt.error}, errorTexts(drain(t, c)))
			assert.Empty(t, f.sessions(t))
		})
	}
}

func TestMessageTooLong(t *testing.T) {
	f := newProtocolFixture(t)
	customer := f.conn(models.SenderCustomer)

	long := make([]rune, f.cfg.MaxMessageLen+1)
	for i := range long {
		long[i] = 'é'
	}
	f.send(t, customer, messageFrame(models.SenderCustomer, string(long)))
	assert.Equal(t, []string{errMsgTooLong}, errorTexts(drain(t, customer)))
	assert.Empty(t, f.sessions(t))
}

func TestMessageRateLimited(t *testing.T) {
	f := newProtocolFixture(t)
	f.cfg.RateRPS = 0.001
	f.cfg.RateBurst = 1
	customer := f.conn(models.SenderCustomer)

	f.send(t, customer, messageFrame(models.SenderCustomer, "one"))
	f.send(t, customer, messageFrame(models.SenderCustomer, "two"))

	frames := drain(t, customer)
	assert.Equal(t, []string{"one"}, messageTexts(frames))
	assert.Equal(t, []string{errMsgRateLimited}, errorTexts(frames))
}

func TestCloseSessionNotifiesAndBlocksMessages(t *testing.T) {
	f := newProtocolFixture(t)
	customer, sessionID := f.startSession(t, "hi")

	closed, err := f.handler.CloseSession(context.Background(), sessionID, "admin")
	require.NoError(t, err)
	assert.True(t, closed.IsClosed())
	require.NotNil(t, closed.ClosedAt)

	frames := drain(t, customer)
	require.Len(t, frames, 1)
	assert.Equal(t, models.StatusClosed, frames[0].(models.SessionFrame).Session.Status)

	_, err = f.handler.CloseSession(context.Background(), sessionID, "admin")
	require.NoError(t, err)
	assert.Empty(t, drain(t, customer))

	f.send(t, customer, messageFrame(models.SenderCustomer, "anyone?"))
	assert.Equal(t, []string{errMsgSessionClosed}, errorTexts(drain(t, customer)))
	msgs, err := f.store.GetMessages(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestCloseUnknownSession(t *testing.T) {
	f := newProtocolFixture(t)
	_, err := f.handler.CloseSession(context.Background(), "nope", "admin")
	assert.ErrorIs(t, err, repositories.ErrSessionNotFound)
}

func TestConnectionsCountsBoundConnections(t *testing.T) {
	f := newProtocolFixture(t)
	_, sessionID := f.startSession(t, "hi")
	admin := f.conn(models.SenderAdmin)
	f.send(t, admin, joinFrame(models.SenderAdmin, sessionID))

	assert.Equal(t, 2, f.handler.Connections(sessionID))
	f.handler.Disconnect(admin)
	assert.Equal(t, 1, f.handler.Connections(sessionID))
}
