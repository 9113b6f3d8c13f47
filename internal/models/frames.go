package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type discriminators used on the chat websocket.
const (
	FrameJoin    = "join"
	FrameMessage = "message"
	FrameTyping  = "typing"
	FrameSession = "session"
	FrameHistory = "history"
	FrameError   = "error"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame type")
	ErrInvalidSender  = errors.New("invalid sender")
)

// InboundFrame is the closed set of frames a client may send.
type InboundFrame interface {
	FrameType() string
	FrameSender() Sender
	inbound()
}

// OutboundFrame is the closed set of frames the server may send.
type OutboundFrame interface {
	FrameType() string
	outbound()
}

// JoinFrame attaches a connection to a session or registers pending identity.
type JoinFrame struct {
	Type          string  `json:"type"`
	SessionID     string  `json:"sessionId,omitempty"`
	Sender        Sender  `json:"sender"`
	CustomerName  *string `json:"customerName,omitempty"`
	CustomerEmail *string `json:"customerEmail,omitempty"`
}

// MessageFrame carries a chat message from a client.
type MessageFrame struct {
	Type          string  `json:"type"`
	Sender        Sender  `json:"sender"`
	Message       string  `json:"message"`
	CustomerName  *string `json:"customerName,omitempty"`
	CustomerEmail *string `json:"customerEmail,omitempty"`
}

// TypingFrame is the ephemeral typing indicator. The same shape is relayed
// back out to the other participants.
type TypingFrame struct {
	Type     string `json:"type"`
	Sender   Sender `json:"sender"`
	IsTyping bool   `json:"isTyping"`
}

// SessionFrame informs a client of its bound or created session.
type SessionFrame struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	Session   ChatSession `json:"session"`
}

// HistoryFrame replays every persisted message of a session in order.
type HistoryFrame struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

// MessageEvent is a newly accepted message broadcast to subscribers.
type MessageEvent struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

// ErrorFrame reports a protocol or persistence problem to one connection.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (f JoinFrame) FrameType() string { return FrameJoin }
func (f JoinFrame) FrameSender() Sender { return f.Sender }
func (JoinFrame) inbound() {}
func (f MessageFrame) FrameType() string { return FrameMessage }
func (f MessageFrame) FrameSender() Sender { return f.Sender }
func (MessageFrame) inbound() {}
func (f TypingFrame) FrameType() string { return FrameTyping }
func (f TypingFrame) FrameSender() Sender { return f.Sender }
func (TypingFrame) inbound() {}
func (TypingFrame) outbound() {}
func (SessionFrame) FrameType() string { return FrameSession }
func (SessionFrame) outbound() {}
func (HistoryFrame) FrameType() string { return FrameHistory }
func (HistoryFrame) outbound() {}
func (MessageEvent) FrameType() string { return FrameMessage }
func (MessageEvent) outbound() {}
func (ErrorFrame) FrameType() string { return FrameError }
func (ErrorFrame) outbound() {}

func NewSessionFrame(s ChatSession) SessionFrame {
	return SessionFrame{Type: FrameSession, SessionID: s.ID, Session: s}
}

func NewHistoryFrame(msgs []ChatMessage) HistoryFrame {
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	return HistoryFrame{Type: FrameHistory, Messages: msgs}
}

func NewMessageEvent(m ChatMessage) MessageEvent {
	return MessageEvent{Type: FrameMessage, Message: m}
}

func NewTypingFrame(sender Sender, isTyping bool) TypingFrame {
	return TypingFrame{Type: FrameTyping, Sender: sender, IsTyping: isTyping}
}

func NewErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Message: message}
}

type frameHead struct {
	Type string `json:"type"`
}

// DecodeInbound parses a client frame. Unknown types and bad senders are errors.
func DecodeInbound(data []byte) (InboundFrame, error) {
	var head frameHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var frame InboundFrame
	switch head.Type {
	case FrameJoin:
		var f JoinFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		frame = f
	case FrameMessage:
		var f MessageFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		frame = f
	case FrameTyping:
		var f TypingFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		frame = f
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, head.Type)
	}

	if !frame.FrameSender().Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSender, frame.FrameSender())
	}
	return frame, nil
}

// DecodeOutbound parses a server frame on the client side.
func DecodeOutbound(data []byte) (OutboundFrame, error) {
	var head frameHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var (
		frame OutboundFrame
		err   error
	)
	switch head.Type {
	case FrameSession:
		var f SessionFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case FrameHistory:
		var f HistoryFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case FrameMessage:
		var f MessageEvent
		err = json.Unmarshal(data, &f)
		frame = f
	case FrameTyping:
		var f TypingFrame
		err = json.Unmarshal(data, &f)
		frame = f
	case FrameError:
		var f ErrorFrame
		err = json.Unmarshal(data, &f)
		frame = f
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return frame, nil
}
