package connstate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/AltairaLabs/keeper/internal/retry"
	"github.com/AltairaLabs/keeper/internal/service"
	"github.com/AltairaLabs/keeper/internal/service/memory"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type transitions struct {
	mu      sync.Mutex
	changes []Change
	notify  chan Change
}

func newTransitions() *transitions {
	return &transitions{notify: make(chan Change, 64)}
}

func (r *transitions) StateChanged(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
	r.notify <- c
}

func (r *transitions) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.To
	}
	return out
}

// waitFor blocks until a transition to want is observed.
func (r *transitions) waitFor(t *testing.T, want State) Change {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c := <-r.notify:
			if c.To == want {
				return c
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %v; saw %v", want, r.states())
		}
	}
}

func newDriven(t *testing.T, mock *clock.Mock) (*Manager, *transitions) {
	t.Helper()
	m := New(Config{
		SessionTimeout:    10 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		Clock:             mock,
		Logger:            quietLogger,
	})
	rec := newTransitions()
	m.AddListener(rec)
	return m, rec
}

func TestReconnectWithinTimeout(t *testing.T) {
	m, rec := newDriven(t, clock.NewMock())

	m.OnRawEvent(service.Event{Kind: service.EventConnected})
	m.OnRawEvent(service.Event{Kind: service.EventDisconnected})
	m.OnRawEvent(service.Event{Kind: service.EventConnected})

	want := []State{StateConnected, StateSuspended, StateReconnected, StateConnected}
	if diff := cmp.Diff(want, rec.states()); diff != "" {
		t.Errorf("transition mismatch (-want +got):\n%s", diff)
	}
	if m.CurrentState() != StateConnected {
		t.Errorf("Expected CONNECTED, got %v", m.CurrentState())
	}
}

func TestSuspendedSessionTimesOut(t *testing.T) {
	mock := clock.NewMock()
	m, rec := newDriven(t, mock)

	m.OnRawEvent(service.Event{Kind: service.EventConnected})
	m.OnRawEvent(service.Event{Kind: service.EventDisconnected})

	mock.Add(9 * time.Second)
	if m.CurrentState() != StateSuspended {
		t.Fatalf("Expected SUSPENDED before the timeout, got %v", m.CurrentState())
	}

	mock.Add(time.Second)
	lost := rec.waitFor(t, StateLost)
	if !errors.Is(lost.Err, ErrSessionTimeout) {
		t.Errorf("Expected session timeout cause, got %v", lost.Err)
	}

	// LOST is only left through a new session.
	m.OnRawEvent(service.Event{Kind: service.EventConnected})
	if m.CurrentState() != StateLost {
		t.Errorf("Expected LOST to be sticky, got %v", m.CurrentState())
	}

	want := []State{StateConnected, StateSuspended, StateLost}
	if diff := cmp.Diff(want, rec.states()); diff != "" {
		t.Errorf("transition mismatch (-want +got):\n%s", diff)
	}
}

func TestReconnectStopsExpiryTimer(t *testing.T) {
	mock := clock.NewMock()
	m, _ := newDriven(t, mock)

	m.OnRawEvent(service.Event{Kind: service.EventConnected})
	m.OnRawEvent(service.Event{Kind: service.EventDisconnected})
	mock.Add(5 * time.Second)
	m.OnRawEvent(service.Event{Kind: service.EventConnected})
	mock.Add(time.Minute)

	// Give a stray timer goroutine a chance to run.
	time.Sleep(10 * time.Millisecond)
	if m.CurrentState() != StateConnected {
		t.Errorf("Expected CONNECTED after reconnect, got %v", m.CurrentState())
	}
}

func TestExplicitExpiryAndAuthFailure(t *testing.T) {
	tests := []struct {
		name  string
		event service.EventKind
		cause error
	}{
		{"expired", service.EventExpired, service.ErrSessionExpired},
		{"auth failed", service.EventAuthFailed, service.ErrAuthFailed},
		{"closed", service.EventClosed, service.ErrClosing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, rec := newDriven(t, clock.NewMock())
			m.OnRawEvent(service.Event{Kind: service.EventConnected})
			m.OnRawEvent(service.Event{Kind: tt.event})
			m.OnRawEvent(service.Event{Kind: tt.event})

			want := []State{StateConnected, StateLost}
			if diff := cmp.Diff(want, rec.states()); diff != "" {
				t.Errorf("transition mismatch (-want +got):\n%s", diff)
			}
			if !errors.Is(rec.changes[1].Err, tt.cause) {
				t.Errorf("Expected cause %v, got %v", tt.cause, rec.changes[1].Err)
			}
		})
	}
}

func TestReadOnly(t *testing.T) {
	m, rec := newDriven(t, clock.NewMock())

	m.OnRawEvent(service.Event{Kind: service.EventConnectedReadOnly})
	if m.Usable(m.CurrentState()) {
		t.Error("Expected READ_ONLY to be unusable when read-only is not allowed")
	}
	m.OnRawEvent(service.Event{Kind: service.EventConnected})

	want := []State{StateReadOnly, StateReconnected, StateConnected}
	if diff := cmp.Diff(want, rec.states()); diff != "" {
		t.Errorf("transition mismatch (-want +got):\n%s", diff)
	}

	ro := New(Config{CanBeReadOnly: true, Clock: clock.NewMock(), Logger: quietLogger})
	ro.OnRawEvent(service.Event{Kind: service.EventConnectedReadOnly})
	if !ro.BlockUntilConnected(context.Background(), time.Millisecond) {
		t.Error("Expected READ_ONLY to be usable when read-only is allowed")
	}
}

func TestRemoveListener(t *testing.T) {
	m := New(Config{Clock: clock.NewMock(), Logger: quietLogger})
	var calls int32
	remove := m.AddListener(ListenerFunc(func(Change) { atomic.AddInt32(&calls, 1) }))

	m.OnRawEvent(service.Event{Kind: service.EventConnected})
	remove()
	m.OnRawEvent(service.Event{Kind: service.EventDisconnected})

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected 1 notification, got %d", got)
	}
	if m.listeners.len() != 0 {
		t.Errorf("Expected empty registry, got %d", m.listeners.len())
	}
}

func TestBlockUntilConnectedTimesOut(t *testing.T) {
	m := New(Config{Logger: quietLogger})

	start := time.Now()
	if m.BlockUntilConnected(context.Background(), 30*time.Millisecond) {
		t.Fatal("Expected false without a connection")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("Returned after %v, before the timeout", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if m.BlockUntilConnected(ctx, 0) {
		t.Error("Expected false for a canceled context")
	}
}

func TestBlockUntilConnectedWakesOnTransition(t *testing.T) {
	m := New(Config{Logger: quietLogger})

	result := make(chan bool, 1)
	go func() { result <- m.BlockUntilConnected(context.Background(), 5*time.Second) }()

	time.Sleep(10 * time.Millisecond)
	m.OnRawEvent(service.Event{Kind: service.EventConnected})

	select {
	case ok := <-result:
		if !ok {
			t.Error("Expected true after connecting")
		}
	case <-time.After(time.Second):
		t.Fatal("BlockUntilConnected did not wake up")
	}
}

func startManager(t *testing.T, server *memory.Server, cfg Config) (*Manager, *transitions) {
	t.Helper()
	cfg.Connector = server
	cfg.Ensemble = FixedEnsemble{"memory"}
	cfg.Logger = quietLogger
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = time.Second
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = time.Second
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = retry.NTimes(100, time.Millisecond)
	}

	m := New(cfg)
	rec := newTransitions()
	m.AddListener(rec)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m, rec
}

func TestLostSessionIsReplaced(t *testing.T) {
	server := memory.NewServer()
	m, rec := startManager(t, server, Config{})

	first := rec.waitFor(t, StateConnected).Session
	if first == nil || first.Generation != 1 {
		t.Fatalf("Expected first session at generation 1, got %+v", first)
	}

	server.Expire(first.ID)
	rec.waitFor(t, StateLost)
	rec.waitFor(t, StateNone)
	second := rec.waitFor(t, StateConnected).Session

	if second.ID == first.ID {
		t.Error("Expected a new session id after LOST")
	}
	if second.Generation != 2 || m.InstanceIndex() != 2 {
		t.Errorf("Expected generation 2, got %d (index %d)", second.Generation, m.InstanceIndex())
	}

	want := []State{StateConnected, StateLost, StateNone, StateConnected}
	if diff := cmp.Diff(want, rec.states()); diff != "" {
		t.Errorf("transition mismatch (-want +got):\n%s", diff)
	}
}

func TestSuspendAndReconnectThroughService(t *testing.T) {
	server := memory.NewServer()
	m, rec := startManager(t, server, Config{SessionTimeout: 5 * time.Second})

	sess := rec.waitFor(t, StateConnected).Session
	server.Disconnect(sess.ID)
	rec.waitFor(t, StateSuspended)
	server.Reconnect(sess.ID)
	rec.waitFor(t, StateReconnected)
	rec.waitFor(t, StateConnected)

	if m.Session().ID != sess.ID {
		t.Error("Expected the same session after reconnecting")
	}
}

func TestStaleSessionEventsIgnored(t *testing.T) {
	server := memory.NewServer()
	m, rec := startManager(t, server, Config{})
	sess := rec.waitFor(t, StateConnected).Session

	m.OnRawEvent(service.Event{Kind: service.EventExpired, SessionID: sess.ID + 1000})
	if m.CurrentState() != StateConnected {
		t.Errorf("Expected stale expiry to be ignored, got %v", m.CurrentState())
	}
}

func TestSessionCreationRetries(t *testing.T) {
	server := memory.NewServer()
	server.RefuseConnections(3)
	m, _ := startManager(t, server, Config{})

	if !m.BlockUntilConnected(context.Background(), 5*time.Second) {
		t.Fatal("Expected a session after refused attempts")
	}
}

func TestUnconnectedSessionIsReplaced(t *testing.T) {
	server := memory.NewServer()
	var attempts int32
	silent := service.ConnectorFunc(func(ctx context.Context, endpoints []string, timeout time.Duration) (service.Conn, <-chan service.Event, error) {
		conn, events, err := server.Connect(ctx, endpoints, timeout)
		if err != nil {
			return nil, nil, err
		}
		if atomic.AddInt32(&attempts, 1) == 1 {
			// First session never reports connected.
			return conn, make(chan service.Event), nil
		}
		return conn, events, nil
	})

	m := New(Config{
		Connector:         silent,
		Ensemble:          FixedEnsemble{"memory"},
		SessionTimeout:    time.Second,
		ConnectionTimeout: 50 * time.Millisecond,
		Reconnect:         retry.Forever(time.Millisecond),
		Logger:            quietLogger,
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Close()

	if !m.BlockUntilConnected(context.Background(), 5*time.Second) {
		t.Fatal("Expected the replacement session to connect")
	}
	if got := atomic.LoadInt32(&attempts); got < 2 {
		t.Errorf("Expected at least 2 connect attempts, got %d", got)
	}
	if m.Session().Generation < 2 {
		t.Errorf("Expected generation of at least 2, got %d", m.Session().Generation)
	}
}

func TestCloseReleasesWaiters(t *testing.T) {
	server := memory.NewServer()
	server.RefuseConnections(1 << 30)
	m := New(Config{
		Connector: server,
		Ensemble:  FixedEnsemble{"memory"},
		Reconnect: retry.Forever(10 * time.Millisecond),
		Logger:    quietLogger,
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	result := make(chan bool, 1)
	go func() { result <- m.BlockUntilConnected(context.Background(), 0) }()
	time.Sleep(20 * time.Millisecond)

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case ok := <-result:
		if ok {
			t.Error("Expected false after close")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}

	if err := m.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed on restart, got %v", err)
	}
}

func TestStartRequiresCollaborators(t *testing.T) {
	if err := New(Config{Logger: quietLogger}).Start(context.Background()); err == nil {
		t.Error("Expected error without a connector")
	}
}

// handshakeConn reports no session id until the handshake completes, like
// clients that connect in the background.
type handshakeConn struct {
	service.Conn
	id atomic.Int64
}

func (c *handshakeConn) SessionID() int64 { return c.id.Load() }

func TestSessionIDAssignedByConnectEvent(t *testing.T) {
	server := memory.NewServer()
	events := make(chan service.Event, 4)
	var conn *handshakeConn
	connector := service.ConnectorFunc(func(ctx context.Context, endpoints []string, timeout time.Duration) (service.Conn, <-chan service.Event, error) {
		inner, _, err := server.Connect(ctx, endpoints, timeout)
		if err != nil {
			return nil, nil, err
		}
		conn = &handshakeConn{Conn: inner}
		return conn, events, nil
	})

	m := New(Config{
		Connector:         connector,
		Ensemble:          FixedEnsemble{"zk:2181"},
		SessionTimeout:    10 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		Reconnect:         retry.NTimes(3, time.Millisecond),
		Logger:            quietLogger,
	})
	rec := newTransitions()
	m.AddListener(rec)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Close()

	events <- service.Event{Kind: service.EventConnected, SessionID: 0x42, Timeout: 3 * time.Second}
	change := rec.waitFor(t, StateConnected)

	if change.Session == nil || change.Session.ID != 0x42 {
		t.Fatalf("Expected listeners to see session 0x42, got %+v", change.Session)
	}
	sess := m.Session()
	if sess.ID != 0x42 || sess.Generation != 1 {
		t.Errorf("Expected session 0x42 at generation 1, got id=%d generation=%d", sess.ID, sess.Generation)
	}
	if sess.Timeout != 3*time.Second {
		t.Errorf("Expected negotiated timeout 3s, got %v", sess.Timeout)
	}
	if sess.Conn != conn {
		t.Error("Expected the adopted session to keep its connection")
	}

	events <- service.Event{Kind: service.EventDisconnected, SessionID: 0x42}
	rec.waitFor(t, StateSuspended)
	events <- service.Event{Kind: service.EventConnected, SessionID: 0x42, Timeout: 3 * time.Second}
	rec.waitFor(t, StateConnected)
	if m.Session().ID != 0x42 {
		t.Errorf("Expected the same session after reconnecting, got %d", m.Session().ID)
	}

	want := []State{StateConnected, StateSuspended, StateReconnected, StateConnected}
	if diff := cmp.Diff(want, rec.states()); diff != "" {
		t.Errorf("transition mismatch (-want +got):\n%s", diff)
	}
}
