package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/taskmgr818/frame-relay/internal/metrics"
)

// Stats is a point-in-time view of one session.
type Stats struct {
	SessionID   string    `json:"sessionId"`
	CreatedAt   time.Time `json:"createdAt"`
	LastSeen    time.Time `json:"lastSeen"`
	Connections int       `json:"connections"`
	FrameCount  int64     `json:"frameCount"`
	ResultCount int64     `json:"resultCount"`
}

type session struct {
	id        string
	createdAt time.Time
	lastSeen  atomic.Int64 // unix nanos
	conns     map[string]struct{}
	frames    atomic.Int64
	results   atomic.Int64
}

func (s *session) stats() Stats {
	return Stats{
		SessionID:   s.id,
		CreatedAt:   s.createdAt,
		LastSeen:    time.Unix(0, s.lastSeen.Load()),
		Connections: len(s.conns),
		FrameCount:  s.frames.Load(),
		ResultCount: s.results.Load(),
	}
}

// Registry maps session ids to the connections this process holds for them.
// A session exists while it has at least one connection; once its last
// connection is removed it ends and its id is never handed out again.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	retired  map[string]struct{}
	now      func() time.Time

	onStarted func(Stats)
	onEnded   func(Stats)
}

// Option configures a Registry.
type Option func(*Registry)

// OnStarted registers a callback run when a session gains its first connection.
func OnStarted(fn func(Stats)) Option {
	return func(r *Registry) { r.onStarted = fn }
}

// OnEnded registers a callback run with the final stats of an ended session.
func OnEnded(fn func(Stats)) Option {
	return func(r *Registry) { r.onEnded = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*session),
		retired:  make(map[string]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the session id a new connection should join. A requested
// id is honoured unless it belongs to an ended session; otherwise a fresh id
// is minted.
func (r *Registry) Resolve(requested string) string {
	if requested != "" {
		r.mu.RLock()
		_, retired := r.retired[requested]
		r.mu.RUnlock()
		if !retired {
			return requested
		}
	}
	return uuid.New().String()
}

// AddConnection attaches a connection to a session, creating the session on
// its first connection. It reports false when the id is retired.
func (r *Registry) AddConnection(sessionID, connID string) bool {
	now := r.now()

	r.mu.Lock()
	if _, retired := r.retired[sessionID]; retired {
		r.mu.Unlock()
		return false
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{id: sessionID, createdAt: now, conns: make(map[string]struct{})}
		r.sessions[sessionID] = s
		metrics.SessionsActive.Inc()
	}
	s.conns[connID] = struct{}{}
	s.lastSeen.Store(now.UnixNano())
	var started *Stats
	if !ok {
		st := s.stats()
		started = &st
	}
	r.mu.Unlock()

	if started != nil && r.onStarted != nil {
		r.onStarted(*started)
	}
	return true
}

// RemoveConnection detaches a connection. Removing the last connection ends
// the session; it reports whether that happened.
func (r *Registry) RemoveConnection(sessionID, connID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(s.conns, connID)
	if len(s.conns) > 0 {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sessionID)
	r.retired[sessionID] = struct{}{}
	metrics.SessionsActive.Dec()
	final := s.stats()
	final.LastSeen = r.now()
	r.mu.Unlock()

	if r.onEnded != nil {
		r.onEnded(final)
	}
	return true
}

// Touch records activity on a live session. It reports false for unknown sessions.
func (r *Registry) Touch(sessionID string) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		s.lastSeen.Store(r.now().UnixNano())
	}
	return ok
}

// IncFrames bumps the frame counter of a live session.
func (r *Registry) IncFrames(sessionID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		s.frames.Add(1)
	}
}

// IncResults bumps the result counter of a live session.
func (r *Registry) IncResults(sessionID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		s.results.Add(1)
	}
}

// Stats returns a snapshot of a live session.
func (r *Registry) Stats(sessionID string) (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Stats{}, false
	}
	return s.stats(), true
}

// Connections returns the ids of the connections attached to a session, sorted.
func (r *Registry) Connections(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
