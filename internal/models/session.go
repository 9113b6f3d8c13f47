package models

import "time"

// Sender identifies which side of a conversation authored a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAdmin    Sender = "admin"
)

// Valid reports whether s is a known role.
func (s Sender) Valid() bool {
	return s == SenderCustomer || s == SenderAdmin
}

// Other returns the opposite role.
func (s Sender) Other() Sender {
	if s == SenderAdmin {
		return SenderCustomer
	}
	return SenderAdmin
}

// SessionStatus is the lifecycle state of a chat session. Closed is terminal.
type SessionStatus string

const (
	StatusActive SessionStatus = "active"
	StatusClosed SessionStatus = "closed"
)

// ChatSession is a conversation thread between one customer and staff.
type ChatSession struct {
	ID            string        `db:"id" json:"id"`
	CustomerName  *string       `db:"customer_name" json:"customerName,omitempty"`
	CustomerEmail *string       `db:"customer_email" json:"customerEmail,omitempty"`
	Status        SessionStatus `db:"status" json:"status"`
	CreatedAt     time.Time     `db:"created_at" json:"createdAt"`
	LastMessageAt time.Time     `db:"last_message_at" json:"lastMessageAt"`
	ClosedAt      *time.Time    `db:"closed_at" json:"closedAt"`
}

// IsClosed reports whether the session no longer accepts messages.
func (s ChatSession) IsClosed() bool {
	return s.Status == StatusClosed
}

// SessionSummary is the admin-facing view of a session used to badge the list.
type SessionSummary struct {
	ChatSession
	UnreadCount int `json:"unreadCount"`
	Connections int `json:"connections"`
}
