// Package memory is an in-process coordination service. It backs tests and
// the development server, and exposes fault injection for disconnects,
// session expiry and per-operation errors.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AltairaLabs/keeper/internal/config"
	"github.com/AltairaLabs/keeper/internal/service"
)

const eventBuffer = 256

// Option configures a Server.
type Option func(*Server)

// WithMaxDataSize sets the server-enforced payload limit.
func WithMaxDataSize(n int) Option {
	return func(s *Server) { s.tree.maxData = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithNegotiatedTimeout overrides the session timeout granted to clients.
func WithNegotiatedTimeout(d time.Duration) Option {
	return func(s *Server) { s.negotiated = d }
}

type session struct {
	id        int64
	timeout   time.Duration
	events    chan service.Event
	connected bool
	ended     bool
	endCode   service.Code
}

type watch struct {
	session int64
	path    string
	kind    service.WatchKind
	fn      service.Watcher
}

type fault struct {
	kind  service.OpKind
	code  service.Code
	count int
}

// Server is an in-memory coordination service. It implements
// service.Connector; every Connect creates a new session.
type Server struct {
	mu         sync.Mutex
	tree       *tree
	sessions   map[int64]*session
	watches    []watch
	faults     []*fault
	calls      map[service.OpKind]int
	refuse     int
	nextID     int64
	negotiated time.Duration
	onCall     func(kind service.OpKind, path string)
	logger     *slog.Logger
}

// NewServer creates an empty tree holding only the root node.
func NewServer(opts ...Option) *Server {
	s := &Server{
		tree:     newTree(config.DefaultMaxPayloadSize),
		sessions: make(map[int64]*session),
		calls:    make(map[service.OpKind]int),
		nextID:   0x1000,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect creates a session and reports EventConnected on its channel.
func (s *Server) Connect(ctx context.Context, _ []string, timeout time.Duration) (service.Conn, <-chan service.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refuse > 0 {
		s.refuse--
		return nil, nil, service.ErrConnectionLoss
	}

	if s.negotiated > 0 {
		timeout = s.negotiated
	}
	s.nextID++
	sess := &session{
		id:        s.nextID,
		timeout:   timeout,
		events:    make(chan service.Event, eventBuffer),
		connected: true,
	}
	s.sessions[sess.id] = sess
	s.emit(sess, service.Event{Kind: service.EventConnected, SessionID: sess.id, Timeout: timeout})

	s.logger.Debug("Memory session created", "session_id", sess.id, "timeout", timeout)
	return &Conn{server: s, id: sess.id, timeout: timeout}, sess.events, nil
}

// emit must be called with s.mu held.
func (s *Server) emit(sess *session, ev service.Event) {
	if sess.ended {
		return
	}
	select {
	case sess.events <- ev:
	default:
		s.logger.Warn("Memory session event dropped", "session_id", sess.id, "event", ev.Kind.String())
	}
}

// Disconnect simulates a network blip: the session survives but calls fail
// with connection loss until Reconnect.
func (s *Server) Disconnect(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.ended || !sess.connected {
		return
	}
	sess.connected = false
	s.emit(sess, service.Event{Kind: service.EventDisconnected, SessionID: sessionID})
}

// Reconnect re-establishes a disconnected session with the same id.
func (s *Server) Reconnect(sessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.ended || sess.connected {
		return
	}
	sess.connected = true
	s.emit(sess, service.Event{Kind: service.EventConnected, SessionID: sessionID, Timeout: sess.timeout})
}

// Expire ends a session as the service would after its timeout: ephemeral
// nodes are removed and the client receives EventExpired.
func (s *Server) Expire(sessionID int64) {
	s.endSession(sessionID, service.EventExpired, service.CodeSessionExpired)
}

// FailAuth ends a session with an authentication failure.
func (s *Server) FailAuth(sessionID int64) {
	s.endSession(sessionID, service.EventAuthFailed, service.CodeAuthFailed)
}

func (s *Server) endSession(sessionID int64, kind service.EventKind, code service.Code) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.ended {
		s.mu.Unlock()
		return
	}
	s.emit(sess, service.Event{Kind: kind, SessionID: sessionID})
	fired := s.reap(sess, code)
	s.mu.Unlock()

	fire(fired)
}

// reap ends sess, deletes its ephemerals and drops its watches. It must be
// called with s.mu held and returns the watches to fire after unlocking.
func (s *Server) reap(sess *session, code service.Code) []firedWatch {
	sess.ended = true
	sess.endCode = code
	close(sess.events)

	for _, path := range s.tree.ephemerals(sess.id) {
		_ = s.tree.delete(service.DeleteRequest{Path: path, Version: service.AnyVersion})
	}

	kept := s.watches[:0]
	for _, w := range s.watches {
		if w.session != sess.id {
			kept = append(kept, w)
		}
	}
	s.watches = kept
	return s.collect(s.tree.takeTriggers())
}

// RefuseConnections makes the next n Connect calls fail with connection loss.
func (s *Server) RefuseConnections(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = n
}

// FailNext makes the next n calls of kind fail with code before they are
// applied. Kind zero matches every operation.
func (s *Server) FailNext(kind service.OpKind, code service.Code, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{kind: kind, code: code, count: n})
}

// OnCall installs a hook run before every operation, outside the server lock.
func (s *Server) OnCall(fn func(kind service.OpKind, path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCall = fn
}

// Calls returns how many calls of kind reached the server, failed or not.
func (s *Server) Calls(kind service.OpKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

// Sessions returns the ids of live sessions.
func (s *Server) Sessions() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, sess := range s.sessions {
		if !sess.ended {
			ids = append(ids, id)
		}
	}
	return ids
}

// Paths lists every node path in sorted order.
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.paths()
}

// Data returns a node's raw data.
func (s *Server) Data(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _, err := s.tree.getData(path)
	return data, err == nil
}

// begin records a call and returns the error the call must fail with, if
// any. It must be called with s.mu held.
func (s *Server) begin(sessionID int64, kind service.OpKind, path string) error {
	s.calls[kind]++

	sess, ok := s.sessions[sessionID]
	switch {
	case !ok:
		return service.NewError(service.CodeSessionExpired, path)
	case sess.ended:
		return service.NewError(sess.endCode, path)
	case !sess.connected:
		return service.NewError(service.CodeConnectionLoss, path)
	}

	for i, f := range s.faults {
		if f.kind != 0 && f.kind != kind {
			continue
		}
		f.count--
		if f.count <= 0 {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
		}
		return service.NewError(f.code, path)
	}
	return nil
}

type firedWatch struct {
	fn    service.Watcher
	event service.WatchEvent
}

// collect removes and returns the watches matched by triggers. It must be
// called with s.mu held.
func (s *Server) collect(triggers []trigger) []firedWatch {
	var fired []firedWatch
	for _, tr := range triggers {
		kept := s.watches[:0]
		for _, w := range s.watches {
			if w.path == tr.path && containsKind(tr.kinds, w.kind) {
				fired = append(fired, firedWatch{fn: w.fn, event: service.WatchEvent{Type: tr.event, Path: tr.path}})
				continue
			}
			kept = append(kept, w)
		}
		s.watches = kept
	}
	return fired
}

func containsKind(kinds []service.WatchKind, k service.WatchKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func fire(fired []firedWatch) {
	for _, f := range fired {
		f.fn(f.event)
	}
}
