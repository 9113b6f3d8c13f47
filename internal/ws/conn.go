package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"storefront-chat/internal/config"
	"storefront-chat/internal/models"
	"storefront-chat/internal/observability"
)

type connPhase int

const (
	phaseUnjoined connPhase = iota
	phaseBound
)

// connState is Unjoined or Bound to exactly one session for the rest of the
// connection's life. Only the connection's read loop changes it.
type connState struct {
	phase     connPhase
	sessionID string
}

func unjoined() connState { return connState{phase: phaseUnjoined} }

func boundTo(sessionID string) connState {
	return connState{phase: phaseBound, sessionID: sessionID}
}

func (s connState) bound() (string, bool) {
	return s.sessionID, s.phase == phaseBound
}

// Conn is one live websocket link. Outbound frames go through a bounded
// queue drained by writePump; the queue is never closed so concurrent
// broadcasters cannot panic.
type Conn struct {
	info    ConnInfo
	ws      *websocket.Conn
	cfg     config.ChatConfig
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	state   connState
}

func newConn(wsConn *websocket.Conn, info ConnInfo, cfg config.ChatConfig) *Conn {
	return &Conn{
		info:    info,
		ws:      wsConn,
		cfg:     cfg,
		send:    make(chan []byte, cfg.SendQueue),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst),
		state:   unjoined(),
	}
}

func (c *Conn) ID() string { return c.info.ConnID }

func (c *Conn) Role() models.Sender { return c.info.Role }

// Send queues payload without blocking. It reports false when the connection
// is closed or its queue is full; the frame is dropped in both cases.
func (c *Conn) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		observability.IncDroppedFrame()
		return false
	}
}

// Close stops the write loop, which in turn closes the socket. Idempotent.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) sendFrame(frame models.OutboundFrame) bool {
	payload, err := encodeFrame(frame)
	if err != nil {
		return false
	}
	return c.Send(payload)
}

func (c *Conn) sendError(message string) {
	c.sendFrame(models.NewErrorFrame(message))
}

func (c *Conn) allow() bool {
	return c.limiter.Allow()
}

// readPump feeds every inbound frame to onFrame until the socket fails and
// returns the read error that ended it.
func (c *Conn) readPump(onFrame func([]byte)) error {
	c.ws.SetReadLimit(c.cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		onFrame(data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
