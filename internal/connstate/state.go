package connstate

import (
	"time"

	"github.com/AltairaLabs/keeper/internal/service"
)

// State is the health of the client's connection as seen by callers.
type State int

const (
	// StateNone means no session has been established yet, or the previous
	// one was lost and its replacement is not connected.
	StateNone State = iota
	StateConnected
	// StateSuspended means the connection dropped but the session may still
	// be alive on the service.
	StateSuspended
	// StateReconnected means the same session came back before expiring.
	StateReconnected
	// StateLost means the session is gone for good.
	StateLost
	StateReadOnly
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateConnected:
		return "CONNECTED"
	case StateSuspended:
		return "SUSPENDED"
	case StateReconnected:
		return "RECONNECTED"
	case StateLost:
		return "LOST"
	case StateReadOnly:
		return "READ_ONLY"
	default:
		return "UNKNOWN"
	}
}

// IsConnected reports whether calls can currently reach the service.
func (s State) IsConnected() bool {
	return s == StateConnected || s == StateReconnected || s == StateReadOnly
}

// Session is one session with the service. It is replaced, never mutated,
// when the previous session is lost.
type Session struct {
	ID      int64
	Timeout time.Duration
	Conn    service.Conn
	// Generation increments each time a new session is created.
	Generation int64
}

// Change is one state transition.
type Change struct {
	From    State
	To      State
	Session *Session
	// Err is the cause of a transition to StateLost.
	Err error
}

// EnsembleProvider supplies the endpoints used for each new session.
type EnsembleProvider interface {
	Endpoints() []string
}

// FixedEnsemble always returns the same endpoints.
type FixedEnsemble []string

// Endpoints returns e.
func (e FixedEnsemble) Endpoints() []string {
	return e
}
