package repositories

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"storefront-chat/internal/models"
)

var (
	_ SessionStore = (*MemoryStore)(nil)
	_ SessionStore = (*SessionRepo)(nil)
)

// MemoryStore is an in-process SessionStore. History survives reconnects but
// not a process restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.ChatSession
	order    []string
	messages map[string][]models.ChatMessage
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.ChatSession),
		messages: make(map[string][]models.ChatMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, customerName, customerEmail *string) (models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	session := &models.ChatSession{
		ID:            uuid.NewString(),
		CustomerName:  cloneString(customerName),
		CustomerEmail: cloneString(customerEmail),
		Status:        models.StatusActive,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	s.sessions[session.ID] = session
	s.order = append(s.order, session.ID)
	return copySession(session), nil
}

func (s *MemoryStore) StartSession(_ context.Context, customerName, customerEmail *string, sender models.Sender, text string) (models.ChatSession, models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	session := &models.ChatSession{
		ID:            uuid.NewString(),
		CustomerName:  cloneString(customerName),
		CustomerEmail: cloneString(customerEmail),
		Status:        models.StatusActive,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	msg := models.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Sender:    sender,
		Message:   text,
		CreatedAt: now,
	}
	s.sessions[session.ID] = session
	s.order = append(s.order, session.ID)
	s.messages[session.ID] = []models.ChatMessage{msg}
	return copySession(session), msg, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (models.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return models.ChatSession{}, ErrSessionNotFound
	}
	return copySession(session), nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]models.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.ChatSession, 0, len(s.order))
	for _, id := range s.order {
		result = append(result, copySession(s.sessions[id]))
	}
	return result, nil
}

func (s *MemoryStore) UpdateCustomer(_ context.Context, sessionID string, customerName, customerEmail *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if customerName != nil {
		session.CustomerName = cloneString(customerName)
	}
	if customerEmail != nil {
		session.CustomerEmail = cloneString(customerEmail)
	}
	return nil
}

func (s *MemoryStore) GetMessages(_ context.Context, sessionID string) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	result := make([]models.ChatMessage, len(msgs))
	copy(result, msgs)
	return result, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, sessionID string, sender models.Sender, text string) (models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return models.ChatMessage{}, ErrSessionNotFound
	}
	msg := models.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Message:   text,
		CreatedAt: s.now(),
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return msg, nil
}

func (s *MemoryStore) TouchLastMessage(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[sessionID]; ok {
		if now := s.now(); now.After(session.LastMessageAt) {
			session.LastMessageAt = now
		}
	}
	return nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, sessionID string, reader models.Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[sessionID]
	for i := range msgs {
		if msgs[i].Sender != reader {
			msgs[i].IsRead = true
		}
	}
	return nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, sessionID string, forRole models.Sender) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, m := range s.messages[sessionID] {
		if m.Sender != forRole && !m.IsRead {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CloseSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if session.IsClosed() {
		return nil
	}
	now := s.now()
	session.Status = models.StatusClosed
	session.ClosedAt = &now
	return nil
}

func (s *MemoryStore) ListIdleSessions(_ context.Context, before time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := []string{}
	for _, id := range s.order {
		session := s.sessions[id]
		if !session.IsClosed() && session.LastMessageAt.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func copySession(s *models.ChatSession) models.ChatSession {
	out := *s
	out.CustomerName = cloneString(s.CustomerName)
	out.CustomerEmail = cloneString(s.CustomerEmail)
	if s.ClosedAt != nil {
		closedAt := *s.ClosedAt
		out.ClosedAt = &closedAt
	}
	return out
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
