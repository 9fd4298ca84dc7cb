package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send buffer size
	sendBufSize = 256
)

// Transport is the subset of *websocket.Conn a connection needs.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "CLOSED"
	}
}

type outbound struct {
	kind int // websocket.TextMessage or websocket.CloseMessage
	data []byte
}

// Conn is one live client connection.
type Conn struct {
	ID          string
	SessionID   string
	ConnectedAt time.Time
	Metadata    map[string]string

	t      Transport
	m      *Manager
	logger *zap.Logger
	send   chan outbound
	done   chan struct{}

	state     atomic.Int32
	alive     atomic.Bool
	closeOnce sync.Once
}

func newConn(id, sessionID string, t Transport, m *Manager, meta map[string]string) *Conn {
	c := &Conn{
		ID:          id,
		SessionID:   sessionID,
		ConnectedAt: time.Now().UTC(),
		Metadata:    meta,
		t:           t,
		m:           m,
		logger:      m.logger.With(zap.String("conn_id", id), zap.String("session_id", sessionID)),
		send:        make(chan outbound, sendBufSize),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Alive reports whether the peer answered since the last heartbeat ping.
func (c *Conn) Alive() bool {
	return c.alive.Load()
}

// Send queues an event. It returns false when the connection is not OPEN
// or its send buffer is full.
func (c *Conn) Send(ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("marshal event", zap.String("type", ev.Type), zap.Error(err))
		return false
	}
	return c.sendRaw(data)
}

func (c *Conn) sendRaw(data []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	select {
	case c.send <- outbound{kind: websocket.TextMessage, data: data}:
		return true
	default:
		c.logger.Warn("send buffer full, dropping event")
		return false
	}
}

// closeWith flushes queued events, then sends a close frame with code and
// reason and closes the transport.
func (c *Conn) closeWith(code int, reason string) {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	select {
	case c.send <- outbound{kind: websocket.CloseMessage, data: msg}:
	default:
		c.t.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.t.Close()
	}
}

// terminate drops the transport without a close handshake. A CLOSING or
// CLOSED connection keeps its state.
func (c *Conn) terminate() {
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	c.t.Close()
}

// prepare installs the read limit and pong handler. It runs before the
// connection turns OPEN.
func (c *Conn) prepare() {
	c.t.SetReadLimit(c.m.readLimit())
	c.t.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
}

// sendPing clears the liveness flag and sends a ping.
func (c *Conn) sendPing() {
	c.alive.Store(false)
	if err := c.t.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("heartbeat ping failed", zap.Error(err))
	}
}

// markClosed releases the write pump. Safe to call more than once.
func (c *Conn) markClosed() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
}

// ─────────────────────────────────────────────
// Read pump: Client → Server
// ─────────────────────────────────────────────

func (c *Conn) readPump(ctx context.Context) {
	defer c.t.Close()

	for {
		kind, message, err := c.t.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, CloseShuttingDown) && c.State() == StateOpen {
				c.logger.Info("connection read error", zap.Error(err))
			}
			return
		}
		if c.State() != StateOpen {
			continue
		}
		c.m.dispatch(ctx, c, kind, message)
	}
}

// ─────────────────────────────────────────────
// Write pump: Server → Client
// ─────────────────────────────────────────────

func (c *Conn) writePump() {
	for {
		select {
		case out := <-c.send:
			c.t.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.t.WriteMessage(out.kind, out.data); err != nil {
				c.t.Close()
				return
			}
			if out.kind == websocket.CloseMessage {
				c.t.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
