package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"storefront-chat/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore is the source of truth for chat sessions, their messages and
// read state.
type SessionStore interface {
	CreateSession(ctx context.Context, customerName, customerEmail *string) (models.ChatSession, error)
	// StartSession creates a session together with its first message, or
	// neither.
	StartSession(ctx context.Context, customerName, customerEmail *string, sender models.Sender, text string) (models.ChatSession, models.ChatMessage, error)
	GetSession(ctx context.Context, sessionID string) (models.ChatSession, error)
	ListSessions(ctx context.Context) ([]models.ChatSession, error)
	UpdateCustomer(ctx context.Context, sessionID string, customerName, customerEmail *string) error
	GetMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
	AppendMessage(ctx context.Context, sessionID string, sender models.Sender, text string) (models.ChatMessage, error)
	TouchLastMessage(ctx context.Context, sessionID string) error
	MarkAllRead(ctx context.Context, sessionID string, reader models.Sender) error
	UnreadCount(ctx context.Context, sessionID string, forRole models.Sender) (int, error)
	CloseSession(ctx context.Context, sessionID string) error
	ListIdleSessions(ctx context.Context, before time.Time) ([]string, error)
}

const (
	sessionColumns = `id, customer_name, customer_email, status, created_at, last_message_at, closed_at`
	messageColumns = `id, session_id, sender, message, is_read, created_at`

	pqForeignKeyViolation = "23503"
)

// SessionRepo is a sqlx implementation of SessionStore backed by Postgres.
type SessionRepo struct {
	db *sqlx.DB
}

// NewSessionRepo constructs a SessionRepo.
func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// CreateSession inserts a fresh active session.
func (r *SessionRepo) CreateSession(ctx context.Context, customerName, customerEmail *string) (models.ChatSession, error) {
	var session models.ChatSession
	err := r.db.QueryRowxContext(ctx, `INSERT INTO chat_sessions (id, customer_name, customer_email)
        VALUES ($1, $2, $3) RETURNING `+sessionColumns, uuid.NewString(), customerName, customerEmail).
		StructScan(&session)
	return session, err
}

// StartSession inserts a session and its first message in one transaction.
func (r *SessionRepo) StartSession(ctx context.Context, customerName, customerEmail *string, sender models.Sender, text string) (models.ChatSession, models.ChatMessage, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.ChatSession{}, models.ChatMessage{}, err
	}
	defer tx.Rollback()

	var session models.ChatSession
	if err := tx.QueryRowxContext(ctx, `INSERT INTO chat_sessions (id, customer_name, customer_email)
        VALUES ($1, $2, $3) RETURNING `+sessionColumns, uuid.NewString(), customerName, customerEmail).
		StructScan(&session); err != nil {
		return models.ChatSession{}, models.ChatMessage{}, err
	}

	var msg models.ChatMessage
	if err := tx.QueryRowxContext(ctx, `INSERT INTO chat_messages (id, session_id, sender, message)
        VALUES ($1, $2, $3, $4) RETURNING `+messageColumns, uuid.NewString(), session.ID, sender, text).
		StructScan(&msg); err != nil {
		return models.ChatSession{}, models.ChatMessage{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.ChatSession{}, models.ChatMessage{}, err
	}
	return session, msg, nil
}

// GetSession fetches a session by id.
func (r *SessionRepo) GetSession(ctx context.Context, sessionID string) (models.ChatSession, error) {
	var session models.ChatSession
	err := r.db.GetContext(ctx, &session, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id=$1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatSession{}, ErrSessionNotFound
	}
	return session, err
}

// ListSessions returns every session.
func (r *SessionRepo) ListSessions(ctx context.Context) ([]models.ChatSession, error) {
	sessions := []models.ChatSession{}
	err := r.db.SelectContext(ctx, &sessions, `SELECT `+sessionColumns+` FROM chat_sessions`)
	return sessions, err
}

// UpdateCustomer overwrites the identity fields that are non-nil.
func (r *SessionRepo) UpdateCustomer(ctx context.Context, sessionID string, customerName, customerEmail *string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE chat_sessions
        SET customer_name = COALESCE($2, customer_name), customer_email = COALESCE($3, customer_email)
        WHERE id=$1`, sessionID, customerName, customerEmail)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// GetMessages returns messages for a session in acceptance order.
func (r *SessionRepo) GetMessages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	msgs := []models.ChatMessage{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM chat_messages
        WHERE session_id=$1
        ORDER BY created_at ASC, seq ASC`, sessionID)
	return msgs, err
}

// AppendMessage stores a message; the foreign key rejects unknown sessions.
func (r *SessionRepo) AppendMessage(ctx context.Context, sessionID string, sender models.Sender, text string) (models.ChatMessage, error) {
	var msg models.ChatMessage
	err := r.db.QueryRowxContext(ctx, `INSERT INTO chat_messages (id, session_id, sender, message)
        VALUES ($1, $2, $3, $4) RETURNING `+messageColumns, uuid.NewString(), sessionID, sender, text).
		StructScan(&msg)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
		return models.ChatMessage{}, ErrSessionNotFound
	}
	return msg, err
}

// TouchLastMessage bumps last_message_at. Unknown sessions are ignored.
func (r *SessionRepo) TouchLastMessage(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE chat_sessions SET last_message_at = NOW() WHERE id=$1`, sessionID)
	return err
}

// MarkAllRead flags every message written by the other role as read.
func (r *SessionRepo) MarkAllRead(ctx context.Context, sessionID string, reader models.Sender) error {
	_, err := r.db.ExecContext(ctx, `UPDATE chat_messages SET is_read = TRUE
        WHERE session_id=$1 AND sender<>$2 AND is_read = FALSE`, sessionID, reader)
	return err
}

// UnreadCount counts unread messages not authored by forRole.
func (r *SessionRepo) UnreadCount(ctx context.Context, sessionID string, forRole models.Sender) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM chat_messages
        WHERE session_id=$1 AND sender<>$2 AND is_read = FALSE`, sessionID, forRole)
	return count, err
}

// CloseSession closes an active session. Closing twice is a no-op.
func (r *SessionRepo) CloseSession(ctx context.Context, sessionID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE chat_sessions SET status='closed', closed_at = NOW()
        WHERE id=$1 AND status='active'`, sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chat_sessions WHERE id=$1)`, sessionID); err != nil {
		return err
	}
	if !exists {
		return ErrSessionNotFound
	}
	return nil
}

// ListIdleSessions returns ids of active sessions quiet since before.
func (r *SessionRepo) ListIdleSessions(ctx context.Context, before time.Time) ([]string, error) {
	ids := []string{}
	err := r.db.SelectContext(ctx, &ids, `SELECT id FROM chat_sessions
        WHERE status='active' AND last_message_at < $1`, before)
	return ids, err
}

func requireAffected(res sql.Result) error {
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrSessionNotFound
	}
	return nil
}
