// Package chatclient is a Go client for the chat websocket. It keeps one
// logical conversation alive across reconnects and mirrors the storefront
// widget: join with the last known session, replay history, append live
// messages.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storefront-chat/internal/models"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNotConnected = errors.New("not connected")
)

const DefaultReconnectDelay = 3 * time.Second

// State is the connection state shown to the user.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

type Config struct {
	// URL of the chat websocket, e.g. ws://localhost:8083/ws/chat.
	URL    string
	Sender models.Sender
	// SessionID resumes a stored conversation. Empty starts fresh.
	SessionID     string
	CustomerName  *string
	CustomerEmail *string
	// Token is sent as a bearer token; operators need one.
	Token          string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *zerolog.Logger
}

// Client owns one logical chat connection.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	log    zerolog.Logger
	events chan models.OutboundFrame

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	sessionID string
	messages  []models.ChatMessage
	seen      map[string]struct{}
	lastErr   string

	writeMu sync.Mutex
}

func New(cfg Config) *Client {
	if cfg.Sender == "" {
		cfg.Sender = models.SenderCustomer
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := log.With().Str("component", "chatclient").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Client{
		cfg:       cfg,
		dialer:    dialer,
		log:       logger,
		events:    make(chan models.OutboundFrame, 64),
		state:     StateConnecting,
		sessionID: cfg.SessionID,
		seen:      make(map[string]struct{}),
	}
}

// Run connects and keeps reconnecting after a fixed delay until ctx is done.
// State stays connecting between attempts and is closed only once Run returns.
// It returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateClosed)
	for {
		c.setState(StateConnecting)
		if err := c.runOnce(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("chat connection lost")
		}
		c.setState(StateConnecting)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	join := models.JoinFrame{
		Type:          models.FrameJoin,
		SessionID:     sessionID,
		Sender:        c.cfg.Sender,
		CustomerName:  c.cfg.CustomerName,
		CustomerEmail: c.cfg.CustomerEmail,
	}
	if err := c.write(conn, join); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := models.DecodeOutbound(raw)
		if err != nil {
			c.log.Debug().Err(err).Msg("ignoring server frame")
			continue
		}
		c.apply(frame)
	}
}

func (c *Client) apply(frame models.OutboundFrame) {
	c.mu.Lock()
	switch f := frame.(type) {
	case models.SessionFrame:
		c.sessionID = f.SessionID
		// A closed conversation is not resumed; the next connection starts a
		// new one.
		if f.Session.IsClosed() && c.cfg.Sender == models.SenderCustomer {
			c.sessionID = ""
		}
	case models.HistoryFrame:
		c.messages = append([]models.ChatMessage(nil), f.Messages...)
		c.seen = make(map[string]struct{}, len(f.Messages))
		for _, m := range f.Messages {
			c.seen[m.ID] = struct{}{}
		}
	case models.MessageEvent:
		if _, dup := c.seen[f.Message.ID]; !dup {
			c.seen[f.Message.ID] = struct{}{}
			c.messages = append(c.messages, f.Message)
		}
	case models.ErrorFrame:
		c.lastErr = f.Message
	}
	c.mu.Unlock()

	select {
	case c.events <- frame:
	default:
	}
}

// Send posts a message. Whitespace-only text is never transmitted.
func (c *Client) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	return c.writeCurrent(models.MessageFrame{
		Type:          models.FrameMessage,
		Sender:        c.cfg.Sender,
		Message:       text,
		CustomerName:  c.cfg.CustomerName,
		CustomerEmail: c.cfg.CustomerEmail,
	})
}

func (c *Client) SetTyping(isTyping bool) error {
	return c.writeCurrent(models.TypingFrame{Type: models.FrameTyping, Sender: c.cfg.Sender, IsTyping: isTyping})
}

func (c *Client) writeCurrent(frame any) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if conn == nil || !open {
		return ErrNotConnected
	}
	return c.write(conn, frame)
}

func (c *Client) write(conn *websocket.Conn, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Messages returns a copy of the conversation so far.
func (c *Client) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ChatMessage(nil), c.messages...)
}

// SessionID is the session the next reconnect will rejoin.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the text of the last error frame from the server.
func (c *Client) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Events delivers decoded server frames. Frames are dropped when nobody reads.
func (c *Client) Events() <-chan models.OutboundFrame {
	return c.events
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
