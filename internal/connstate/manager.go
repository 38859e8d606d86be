// Package connstate owns the session and classifies its health. Raw session
// events from the service boundary drive a state machine whose transitions
// are broadcast to listeners; a lost session is replaced by a new one.
package connstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/AltairaLabs/keeper/internal/config"
	"github.com/AltairaLabs/keeper/internal/retry"
	"github.com/AltairaLabs/keeper/internal/service"
	"github.com/AltairaLabs/keeper/internal/tracer"
)

var (
	// ErrSessionTimeout is the cause of LOST when a suspended session was
	// not re-established within its timeout.
	ErrSessionTimeout = errors.New("session timeout elapsed while suspended")
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("connection state manager closed")
)

// Config holds the manager's collaborators and timing.
type Config struct {
	Connector service.Connector
	Ensemble  EnsembleProvider

	SessionTimeout    time.Duration
	ConnectionTimeout time.Duration
	// CanBeReadOnly makes READ_ONLY count as usable.
	CanBeReadOnly bool
	// Reconnect paces session creation attempts. When it refuses, the
	// schedule restarts from zero; creation never gives up while running.
	Reconnect retry.Policy

	Clock  clock.Clock
	Tracer tracer.Driver
	Logger *slog.Logger
}

// Manager owns the current session and its state machine.
type Manager struct {
	cfg    Config
	clock  clock.Clock
	tracer tracer.Driver
	logger *slog.Logger

	// procMu serializes event processing so transitions, and the
	// broadcasts they cause, happen one at a time and in order.
	procMu sync.Mutex

	mu          sync.Mutex
	state       State
	session     *Session
	generation  int64
	changed     chan struct{}
	expiryTimer *clock.Timer
	lost        chan struct{}
	closed      bool

	listeners registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New creates a manager. Start must be called before sessions are created;
// without Start the manager can still be driven with OnRawEvent.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = config.DefaultSessionTimeout
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = config.DefaultConnectionTimeout
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = retry.BoundedExponentialBackoff(
			config.DefaultReconnectInterval, config.DefaultReconnectMaxInterval, retry.MaxExponentialRetries)
	}
	if cfg.SessionTimeout < cfg.ConnectionTimeout {
		cfg.Logger.Warn("Session timeout is less than connection timeout; the connection timeout is effectively the session timeout",
			"session_timeout", cfg.SessionTimeout,
			"connection_timeout", cfg.ConnectionTimeout)
	}

	return &Manager{
		cfg:     cfg,
		clock:   cfg.Clock,
		tracer:  tracer.OrNop(cfg.Tracer),
		logger:  cfg.Logger,
		changed: make(chan struct{}),
		lost:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start begins creating sessions in the background.
func (m *Manager) Start(ctx context.Context) error {
	if m.cfg.Connector == nil {
		return errors.New("connstate: no connector configured")
	}
	if m.cfg.Ensemble == nil {
		return errors.New("connstate: no ensemble provider configured")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.cancel != nil {
		m.mu.Unlock()
		return errors.New("connstate: already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.logger.Info("Starting connection state manager",
		"endpoints", m.cfg.Ensemble.Endpoints(),
		"session_timeout", m.cfg.SessionTimeout)

	m.wg.Add(1)
	go m.run(m.ctx)
	return nil
}

// Close stops session management and closes the current session.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	m.stopExpiryLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	sess := m.session
	m.session = nil
	close(m.done)
	m.mu.Unlock()

	m.logger.Info("Connection state manager closed")
	if sess != nil && sess.Conn != nil {
		return sess.Conn.Close()
	}
	return nil
}

// CurrentState returns the state without blocking.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the current session, or nil if there is none.
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Snapshot returns the state, the current session and a channel closed on
// the next transition, all read atomically.
func (m *Manager) Snapshot() (State, *Session, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.session, m.changed
}

// Done is closed once the manager is closed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// InstanceIndex counts the sessions created so far.
func (m *Manager) InstanceIndex() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// Usable reports whether s allows calls under this manager's read-only
// setting.
func (m *Manager) Usable(s State) bool {
	if s == StateReadOnly {
		return m.cfg.CanBeReadOnly
	}
	return s.IsConnected()
}

// BlockUntilConnected waits until the connection is usable. It returns false
// if timeout elapses, ctx ends or the manager closes first. A non-positive
// timeout waits without a time bound.
func (m *Manager) BlockUntilConnected(ctx context.Context, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		t := m.clock.Timer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		state, _, changed := m.Snapshot()
		if m.Usable(state) {
			return true
		}
		select {
		case <-changed:
		case <-expired:
			return false
		case <-ctx.Done():
			return false
		case <-m.done:
			return false
		}
	}
}

// AddListener registers l and returns a function that removes it.
func (m *Manager) AddListener(l Listener) (remove func()) {
	id := m.listeners.add(l)
	return func() { m.listeners.remove(id) }
}

// OnRawEvent applies a raw session event. Events naming a session other than
// the current one are ignored.
func (m *Manager) OnRawEvent(ev service.Event) {
	m.procMu.Lock()
	defer m.procMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if ev.SessionID != 0 && m.session != nil && m.session.ID != 0 && ev.SessionID != m.session.ID {
		m.mu.Unlock()
		m.logger.Debug("Ignoring event from stale session",
			"event", ev.Kind.String(), "session_id", ev.SessionID)
		return
	}
	m.adoptLocked(ev)
	from := m.state
	m.mu.Unlock()

	m.apply(from, ev)
}

// onSessionEvent applies an event read from the stream of the session
// created at generation gen.
func (m *Manager) onSessionEvent(gen int64, ev service.Event) {
	m.procMu.Lock()
	defer m.procMu.Unlock()

	m.mu.Lock()
	if m.closed || m.session == nil || m.session.Generation != gen {
		m.mu.Unlock()
		m.logger.Debug("Ignoring event from stale session",
			"event", ev.Kind.String(), "generation", gen)
		return
	}
	m.adoptLocked(ev)
	from := m.state
	m.mu.Unlock()

	m.apply(from, ev)
}

// adoptLocked replaces the current session with one carrying the id and
// negotiated timeout of a connect event. Adapters that complete the
// handshake after Connect returns only learn both from that event.
func (m *Manager) adoptLocked(ev service.Event) {
	if m.session == nil {
		return
	}
	if ev.Kind != service.EventConnected && ev.Kind != service.EventConnectedReadOnly {
		return
	}
	cur := m.session
	next := *cur
	if next.ID == 0 {
		next.ID = ev.SessionID
	}
	if ev.Timeout > 0 {
		next.Timeout = ev.Timeout
	}
	if next.ID == cur.ID && next.Timeout == cur.Timeout {
		return
	}
	m.session = &next
	m.logger.Debug("Session negotiated",
		"session_id", next.ID,
		"generation", next.Generation,
		"timeout", next.Timeout)
}

// apply runs the state machine for ev, starting from state from. It must be
// called with procMu held and mu not held.
func (m *Manager) apply(from State, ev service.Event) {
	switch ev.Kind {
	case service.EventConnected:
		switch from {
		case StateNone:
			m.transition(StateConnected, nil)
		case StateSuspended, StateReadOnly:
			m.transition(StateReconnected, nil)
			m.transition(StateConnected, nil)
		}

	case service.EventConnectedReadOnly:
		switch from {
		case StateNone, StateSuspended:
			m.transition(StateReadOnly, nil)
		}

	case service.EventDisconnected:
		switch from {
		case StateConnected, StateReconnected, StateReadOnly:
			m.tracer.AddCount(tracer.ConnectionDrop, 1)
			m.transition(StateSuspended, nil)
		}

	case service.EventExpired:
		if from != StateLost {
			m.tracer.AddCount(tracer.SessionExpired, 1)
			m.logger.Warn("Session expired event received", "session_id", ev.SessionID)
			m.transition(StateLost, service.ErrSessionExpired)
		}

	case service.EventAuthFailed:
		if from != StateLost {
			m.logger.Error("Authentication failed", "session_id", ev.SessionID)
			m.transition(StateLost, service.ErrAuthFailed)
		}

	case service.EventClosed:
		if from != StateLost {
			m.transition(StateLost, service.ErrClosing)
		}
	}
}

// transition moves to a new state and broadcasts it. It must be called with
// procMu held and mu not held.
func (m *Manager) transition(to State, cause error) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	sess := m.session
	close(m.changed)
	m.changed = make(chan struct{})

	switch to {
	case StateSuspended:
		m.startExpiryLocked(sess)
	case StateLost:
		m.stopExpiryLocked()
		select {
		case m.lost <- struct{}{}:
		default:
		}
	default:
		m.stopExpiryLocked()
	}
	m.mu.Unlock()

	if to == StateLost {
		m.tracer.AddCount(tracer.ConnectionLost, 1)
	}

	attrs := []any{"from", from.String(), "to", to.String()}
	if sess != nil {
		attrs = append(attrs, "session_id", sess.ID)
	}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	m.logger.Info("Connection state changed", attrs...)

	change := Change{From: from, To: to, Session: sess, Err: cause}
	trace := tracer.Start(m.tracer, "connection-state-listeners")
	for _, l := range m.listeners.snapshot() {
		l.StateChanged(change)
	}
	trace.Commit()
}

// startExpiryLocked arms the session timeout for a suspended session.
func (m *Manager) startExpiryLocked(sess *Session) {
	m.stopExpiryLocked()
	timeout := m.cfg.SessionTimeout
	if sess != nil && sess.Timeout > 0 {
		timeout = sess.Timeout
	}
	gen := m.generation
	m.expiryTimer = m.clock.AfterFunc(timeout, func() { m.expire(gen) })
}

func (m *Manager) stopExpiryLocked() {
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
		m.expiryTimer = nil
	}
}

// expire fires when a suspended session outlived its timeout.
func (m *Manager) expire(gen int64) {
	m.procMu.Lock()
	defer m.procMu.Unlock()

	m.mu.Lock()
	current := !m.closed && m.generation == gen && m.state == StateSuspended
	m.mu.Unlock()
	if !current {
		return
	}
	m.logger.Warn("Session timeout elapsed without reconnection", "timeout", m.cfg.SessionTimeout)
	m.transition(StateLost, ErrSessionTimeout)
}

// run creates sessions until ctx ends, replacing each one once it is lost.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	for {
		sess, events, err := m.establish(ctx)
		if err != nil {
			return
		}
		m.pump(ctx, sess, events)
		if ctx.Err() != nil {
			return
		}
		m.retire(sess)
	}
}

// establish creates a new session, retrying under the reconnect policy.
func (m *Manager) establish(ctx context.Context) (*Session, <-chan service.Event, error) {
	start := m.clock.Now()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		endpoints := m.cfg.Ensemble.Endpoints()
		connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
		conn, events, err := m.cfg.Connector.Connect(connectCtx, endpoints, m.cfg.SessionTimeout)
		cancel()
		if err == nil {
			m.mu.Lock()
			m.generation++
			sess := &Session{
				ID:         conn.SessionID(),
				Timeout:    conn.Timeout(),
				Conn:       conn,
				Generation: m.generation,
			}
			m.session = sess
			// Drain a stale LOST signal from the previous session.
			select {
			case <-m.lost:
			default:
			}
			m.mu.Unlock()

			m.tracer.AddCount(tracer.SessionCreated, 1)
			m.logger.Info("Session created",
				"session_id", sess.ID,
				"generation", sess.Generation,
				"timeout", sess.Timeout)
			return sess, events, nil
		}

		sleep, ok := m.cfg.Reconnect.AllowRetry(attempt, m.clock.Since(start), err)
		if !ok {
			attempt = -1
			start = m.clock.Now()
			sleep, _ = m.cfg.Reconnect.AllowRetry(0, 0, err)
		}
		m.logger.Warn("Session creation failed",
			"attempt", attempt+1,
			"endpoints", endpoints,
			"delay", sleep,
			"error", err)

		select {
		case <-m.clock.After(sleep):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// pump feeds the session's events into the state machine until the session
// is lost or never connects within the connection timeout.
func (m *Manager) pump(ctx context.Context, sess *Session, events <-chan service.Event) {
	connectTimer := m.clock.Timer(m.cfg.ConnectionTimeout)
	defer connectTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				m.procMu.Lock()
				if m.CurrentState() != StateLost {
					m.transition(StateLost, fmt.Errorf("session generation %d event stream ended: %w", sess.Generation, service.ErrConnectionLoss))
				}
				m.procMu.Unlock()
				return
			}
			m.onSessionEvent(sess.Generation, ev)
			if m.CurrentState() == StateLost {
				return
			}

		case <-m.lost:
			return

		case <-connectTimer.C:
			if m.CurrentState() == StateNone {
				m.logger.Warn("Session did not connect within the connection timeout; creating a new one",
					"session_id", sess.ID,
					"connection_timeout", m.cfg.ConnectionTimeout)
				return
			}
		}
	}
}

// retire closes a lost (or never connected) session and resets to NONE so
// a new session can be created.
func (m *Manager) retire(sess *Session) {
	if sess.Conn != nil {
		if err := sess.Conn.Close(); err != nil {
			m.logger.Debug("Error closing lost session", "session_id", sess.ID, "error", err)
		}
	}

	m.procMu.Lock()
	defer m.procMu.Unlock()
	m.mu.Lock()
	if m.session != nil && m.session.Generation == sess.Generation {
		m.session = nil
	}
	m.mu.Unlock()
	if m.CurrentState() != StateNone {
		m.transition(StateNone, nil)
	}
}
