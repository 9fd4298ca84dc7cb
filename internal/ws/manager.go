package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/frame-relay/internal/metrics"
	"github.com/taskmgr818/frame-relay/internal/model"
	"github.com/taskmgr818/frame-relay/internal/session"
	"go.uber.org/zap"
)

// CloseShuttingDown is the close code sent to clients on server shutdown.
const CloseShuttingDown = 4001

// ErrShuttingDown is returned by Accept once Shutdown has started.
var ErrShuttingDown = errors.New("server shutting down")

// Frames is the ingestion surface the manager dispatches to.
type Frames interface {
	Ingest(ctx context.Context, sessionID string, data []byte, mime string) (*model.FrameReceipt, error)
	RequestInference(ctx context.Context, sessionID, frameID string) (string, error)
}

// Manager owns every client connection held by this process.
type Manager struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	closing  bool
	serving  sync.WaitGroup
	sessions *session.Registry
	frames   Frames
	logger   *zap.Logger

	maxFrameBytes int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxFrameBytes bounds the size of a single inbound frame.
func WithMaxFrameBytes(n int64) ManagerOption {
	return func(m *Manager) { m.maxFrameBytes = n }
}

func NewManager(sessions *session.Registry, frames Frames, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		conns:         make(map[string]*Conn),
		sessions:      sessions,
		frames:        frames,
		logger:        logger,
		maxFrameBytes: 8 << 20,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// readLimit leaves room for the base64 expansion of a data URL frame.
func (m *Manager) readLimit() int64 {
	return m.maxFrameBytes*4/3 + 1024
}

// ─────────────────────────────────────────────
// Connection lifecycle
// ─────────────────────────────────────────────

// Accept registers a new connection on the requested session (a fresh one
// when empty or ended) and queues the connection acknowledgment.
func (m *Manager) Accept(t Transport, requestedSession string, meta map[string]string) (*Conn, error) {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}

	connID := uuid.New().String()
	sessionID := m.sessions.Resolve(requestedSession)
	if !m.sessions.AddConnection(sessionID, connID) {
		// the requested session ended between Resolve and AddConnection
		sessionID = m.sessions.Resolve("")
		m.sessions.AddConnection(sessionID, connID)
	}

	c := newConn(connID, sessionID, t, m, meta)
	c.prepare()
	m.conns[c.ID] = c
	m.serving.Add(1)
	total := len(m.conns)
	m.mu.Unlock()

	c.alive.Store(true)
	c.state.Store(int32(StateOpen))
	metrics.ConnectionsActive.Inc()

	c.Send(NewEvent(EventConnection, map[string]any{
		"connectionId": c.ID,
		"sessionId":    c.SessionID,
		"connectedAt":  c.ConnectedAt,
	}))
	c.logger.Info("client connected", zap.Int("total", total))
	return c, nil
}

// Serve runs the connection's pumps and blocks until it closes.
func (m *Manager) Serve(ctx context.Context, c *Conn) {
	go c.writePump()
	c.readPump(ctx) // blocks
	m.remove(c)
}

func (m *Manager) remove(c *Conn) {
	m.mu.Lock()
	_, ok := m.conns[c.ID]
	delete(m.conns, c.ID)
	total := len(m.conns)
	m.mu.Unlock()

	c.markClosed()
	if !ok {
		return
	}
	m.sessions.RemoveConnection(c.SessionID, c.ID)
	metrics.ConnectionsActive.Dec()
	c.logger.Info("client disconnected", zap.Int("total", total))
	m.serving.Done()
}

// ConnectionCount returns the number of connections held by this process.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Sessions exposes the session registry.
func (m *Manager) Sessions() *session.Registry {
	return m.sessions
}

func (m *Manager) lookup(id string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[id]
}

func (m *Manager) snapshot() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// ─────────────────────────────────────────────
// Delivery
// ─────────────────────────────────────────────

// DeliverToSession writes ev to every local connection of the session and
// returns how many accepted it. Zero is normal when the session lives on
// another process.
func (m *Manager) DeliverToSession(sessionID string, ev Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("marshal event", zap.String("type", ev.Type), zap.Error(err))
		return 0
	}
	n := 0
	for _, id := range m.sessions.Connections(sessionID) {
		if c := m.lookup(id); c != nil && c.sendRaw(data) {
			n++
		}
	}
	metrics.Deliveries.WithLabelValues(ev.Type).Add(float64(n))
	return n
}

// Broadcast writes ev to every local connection except exclude.
func (m *Manager) Broadcast(ev Event, exclude string) int {
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("marshal event", zap.String("type", ev.Type), zap.Error(err))
		return 0
	}
	n := 0
	for _, c := range m.snapshot() {
		if c.ID == exclude {
			continue
		}
		if c.sendRaw(data) {
			n++
		}
	}
	metrics.Deliveries.WithLabelValues(ev.Type).Add(float64(n))
	return n
}

// HandleBusEvent forwards a result bus event to the matching local connections.
func (m *Manager) HandleBusEvent(ev any) {
	switch ev := ev.(type) {
	case *model.ResultEvent:
		n := m.DeliverToSession(ev.SessionID, NewEvent(EventInferenceComplete, ev))
		if n > 0 {
			m.sessions.IncResults(ev.SessionID)
		}
		m.logger.Debug("inference result routed",
			zap.String("session_id", ev.SessionID),
			zap.String("frame_id", ev.FrameID),
			zap.Int("delivered", n),
		)
	case *model.TelemetryEvent:
		out := NewEvent(EventSensorUpdate, ev)
		if ev.SessionID == "" {
			m.Broadcast(out, "")
		} else {
			m.DeliverToSession(ev.SessionID, out)
		}
	case *model.BroadcastEvent:
		m.Broadcast(NewEvent(EventBroadcast, ev), "")
	default:
		m.logger.Warn("unhandled bus event", zap.Any("event", ev))
	}
}

// ─────────────────────────────────────────────
// Dispatch
// ─────────────────────────────────────────────

func (m *Manager) dispatch(ctx context.Context, c *Conn, kind int, data []byte) {
	msg, err := ParseInbound(kind, data)
	if err != nil {
		c.Send(errorEvent(err.Error()))
		return
	}
	m.sessions.Touch(c.SessionID)

	switch msg := msg.(type) {
	case *PingMsg:
		c.alive.Store(true)
		c.Send(NewEvent(EventPong, nil))

	case *GetStatsMsg:
		st, _ := m.sessions.Stats(c.SessionID)
		c.Send(NewEvent(EventStats, map[string]any{
			"session":     st,
			"connections": m.ConnectionCount(),
			"sessions":    m.sessions.SessionCount(),
		}))

	case *RequestInferenceMsg:
		jobID, err := m.frames.RequestInference(ctx, c.SessionID, msg.FrameID)
		if err != nil {
			c.logger.Warn("request inference failed", zap.String("frame_id", msg.FrameID), zap.Error(err))
			c.Send(errorEvent(err.Error()))
			return
		}
		c.Send(NewEvent(EventInferenceQueued, map[string]string{
			"frameId": msg.FrameID,
			"jobId":   jobID,
		}))

	case *FrameMsg:
		receipt, err := m.frames.Ingest(ctx, c.SessionID, msg.Data, msg.MIME)
		if err != nil {
			c.logger.Warn("frame ingestion failed", zap.Int("size", len(msg.Data)), zap.Error(err))
			c.Send(errorEvent(err.Error()))
			return
		}
		c.Send(NewEvent(EventFrameReceived, receipt))

	case *TextMsg:
		c.logger.Debug("ignoring free-form text message", zap.Int("length", len(msg.Text)))

	case *UnknownMsg:
		c.logger.Info("ignoring unknown message type", zap.String("type", msg.Type))
	}
}

// ─────────────────────────────────────────────
// Heartbeat (background goroutine)
// ─────────────────────────────────────────────

// StartHeartbeat pings every connection each interval. A connection that
// has not answered the previous ping is terminated; it runs until ctx is
// cancelled.
func (m *Manager) StartHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("heartbeat started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat stopped")
			return
		case <-ticker.C:
			m.heartbeat()
		}
	}
}

// heartbeat runs one tick: terminate the silent, then ping the rest.
func (m *Manager) heartbeat() {
	for _, c := range m.snapshot() {
		if c.State() != StateOpen {
			continue
		}
		if !c.Alive() {
			c.logger.Info("terminating unresponsive connection")
			metrics.HeartbeatTerminations.Inc()
			c.terminate()
			continue
		}
		c.sendPing()
	}
}

// ─────────────────────────────────────────────
// Shutdown
// ─────────────────────────────────────────────

// Shutdown stops accepting connections, notifies and closes every open one,
// and waits for them to finish. Connections still open when ctx expires are
// terminated.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	conns := m.snapshot()
	m.logger.Info("closing client connections", zap.Int("count", len(conns)))
	for _, c := range conns {
		c.Send(NewEvent(EventShutdown, map[string]string{"message": ErrShuttingDown.Error()}))
		c.closeWith(CloseShuttingDown, ErrShuttingDown.Error())
	}

	done := make(chan struct{})
	go func() {
		m.serving.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range m.snapshot() {
			c.terminate()
		}
		return ctx.Err()
	}
}

// Closing reports whether Shutdown has started.
func (m *Manager) Closing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closing
}
