package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"storefront-chat/internal/models"
	"storefront-chat/internal/repositories"
)

type SessionStoreMock struct {
	mock.Mock
}

var _ repositories.SessionStore = (*SessionStoreMock)(nil)

func (m *SessionStoreMock) CreateSession(ctx context.Context, customerName, customerEmail *string) (models.ChatSession, error) {
	args := m.Called(ctx, customerName, customerEmail)
	var session models.ChatSession
	if val := args.Get(0); val != nil {
		session = val.(models.ChatSession)
	}
	return session, args.Error(1)
}

func (m *SessionStoreMock) StartSession(ctx context.Context, customerName, customerEmail *string, sender models.Sender, text string) (models.ChatSession, models.ChatMessage, error) {
	args := m.Called(ctx, customerName, customerEmail, sender, text)
	var session models.ChatSession
	if val := args.Get(0); val != nil {
		session = val.(models.ChatSession)
	}
	var msg models.ChatMessage
	if val := args.Get(1); val != nil {
		msg = val.(models.ChatMessage)
	}
	return session, msg, args.Error(2)
}

func (m *SessionStoreMock) GetSession(ctx context.Context, sessionID string) (models.ChatSession, error) {
	args := m.Called(ctx, sessionID)
	var session models.ChatSession
	if val := args.Get(0); val != nil {
		session = val.(models.ChatSession)
	}
	return session, args.Error(1)
}

func (m *SessionStoreMock) ListSessions(ctx context.Context) ([]models.ChatSession, error) {
	args := m.Called(ctx)
	var list []models.ChatSession
	if val := args.Get(0); val != nil {
		list = val.([]models.ChatSession)
	}
	return list, args.Error(1)
}

func (m *SessionStoreMock) UpdateCustomer(ctx context.Context, sessionID string, customerName, customerEmail *string) error {
	args := m.Called(ctx, sessionID, customerName, customerEmail)
	return args.Error(0)
}

func (m *SessionStoreMock) GetMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	args := m.Called(ctx, sessionID)
	var list []models.ChatMessage
	if val := args.Get(0); val != nil {
		list = val.([]models.ChatMessage)
	}
	return list, args.Error(1)
}

func (m *SessionStoreMock) AppendMessage(ctx context.Context, sessionID string, sender models.Sender, text string) (models.ChatMessage, error) {
	args := m.Called(ctx, sessionID, sender, text)
	var msg models.ChatMessage
	if val := args.Get(0); val != nil {
		msg = val.(models.ChatMessage)
	}
	return msg, args.Error(1)
}

func (m *SessionStoreMock) TouchLastMessage(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *SessionStoreMock) MarkAllRead(ctx context.Context, sessionID string, reader models.Sender) error {
	args := m.Called(ctx, sessionID, reader)
	return args.Error(0)
}

func (m *SessionStoreMock) UnreadCount(ctx context.Context, sessionID string, forRole models.Sender) (int, error) {
	args := m.Called(ctx, sessionID, forRole)
	return args.Int(0), args.Error(1)
}

func (m *SessionStoreMock) CloseSession(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *SessionStoreMock) ListIdleSessions(ctx context.Context, before time.Time) ([]string, error) {
	args := m.Called(ctx, before)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

type LiveSessionsMock struct {
	mock.Mock
}

func (m *LiveSessionsMock) CloseSession(ctx context.Context, sessionID, reason string) (models.ChatSession, error) {
	args := m.Called(ctx, sessionID, reason)
	var session models.ChatSession
	if val := args.Get(0); val != nil {
		session = val.(models.ChatSession)
	}
	return session, args.Error(1)
}

func (m *LiveSessionsMock) Connections(sessionID string) int {
	args := m.Called(sessionID)
	return args.Int(0)
}
