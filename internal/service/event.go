package service

import "time"

// EventKind is a raw session event reported by the boundary.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventConnectedReadOnly
	EventDisconnected
	EventExpired
	EventAuthFailed
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectedReadOnly:
		return "connected_read_only"
	case EventDisconnected:
		return "disconnected"
	case EventExpired:
		return "expired"
	case EventAuthFailed:
		return "auth_failed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one raw session event.
type Event struct {
	Kind      EventKind
	SessionID int64
	// Timeout is the negotiated session timeout, set on connect events.
	Timeout time.Duration
	Err     error
}
