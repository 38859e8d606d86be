// Package service defines the boundary between keeper and the coordination
// service: session establishment, node operations, multi-operations, watch
// registration and the raw session event stream.
//
// Adapters in the subpackages implement Connector and Conn on top of a real
// ensemble (zkconn), a remote gRPC relay (grpcconn) or an in-process tree
// (memory).
package service

import (
	"context"
	"time"
)

// AnyVersion matches every node version in delete, setData and check.
const AnyVersion int32 = -1

// Stat is the metadata the service keeps for each node.
type Stat struct {
	Czxid          int64 `json:"czxid"`
	Mzxid          int64 `json:"mzxid"`
	Pzxid          int64 `json:"pzxid"`
	Ctime          int64 `json:"ctime"`
	Mtime          int64 `json:"mtime"`
	Version        int32 `json:"version"`
	Cversion       int32 `json:"cversion"`
	Aversion       int32 `json:"aversion"`
	EphemeralOwner int64 `json:"ephemeral_owner"`
	DataLength     int32 `json:"data_length"`
	NumChildren    int32 `json:"num_children"`
}

// CreateMode selects node lifetime and naming.
type CreateMode int32

const (
	ModePersistent CreateMode = iota
	ModeEphemeral
	ModePersistentSequential
	ModeEphemeralSequential
	ModeContainer
)

// IsEphemeral reports whether nodes created in this mode die with the session.
func (m CreateMode) IsEphemeral() bool {
	return m == ModeEphemeral || m == ModeEphemeralSequential
}

// IsSequential reports whether the service appends a sequence suffix.
func (m CreateMode) IsSequential() bool {
	return m == ModePersistentSequential || m == ModeEphemeralSequential
}

func (m CreateMode) String() string {
	switch m {
	case ModePersistent:
		return "persistent"
	case ModeEphemeral:
		return "ephemeral"
	case ModePersistentSequential:
		return "persistent_sequential"
	case ModeEphemeralSequential:
		return "ephemeral_sequential"
	case ModeContainer:
		return "container"
	default:
		return "unknown"
	}
}

// Permission bits for ACL entries.
const (
	PermRead int32 = 1 << iota
	PermWrite
	PermCreate
	PermDelete
	PermAdmin
	PermAll int32 = 0x1f
)

// ACL grants Perms to the identity ID under Scheme.
type ACL struct {
	Perms  int32  `json:"perms"`
	Scheme string `json:"scheme"`
	ID     string `json:"id"`
}

// WorldACL grants perms to everyone.
func WorldACL(perms int32) []ACL {
	return []ACL{{Perms: perms, Scheme: "world", ID: "anyone"}}
}

// OpenACL is the unrestricted ACL used when none is given.
func OpenACL() []ACL {
	return WorldACL(PermAll)
}

// WatchKind selects which change a watch observes.
type WatchKind int

const (
	WatchData WatchKind = iota
	WatchExist
	WatchChildren
)

// WatchEventType describes a fired watch.
type WatchEventType int

const (
	NodeCreated WatchEventType = iota + 1
	NodeDeleted
	NodeDataChanged
	NodeChildrenChanged
	WatchRemoved
)

func (t WatchEventType) String() string {
	switch t {
	case NodeCreated:
		return "node_created"
	case NodeDeleted:
		return "node_deleted"
	case NodeDataChanged:
		return "node_data_changed"
	case NodeChildrenChanged:
		return "node_children_changed"
	case WatchRemoved:
		return "watch_removed"
	default:
		return "unknown"
	}
}

// WatchEvent is delivered once to the watcher that was registered for it.
type WatchEvent struct {
	Type WatchEventType
	Path string
}

// Watcher receives a fired one-shot watch.
type Watcher func(WatchEvent)

// Conn is one live session with the coordination service.
type Conn interface {
	SessionID() int64
	// Timeout is the negotiated session timeout.
	Timeout() time.Duration

	Create(ctx context.Context, req CreateRequest) (string, error)
	Delete(ctx context.Context, req DeleteRequest) error
	SetData(ctx context.Context, req SetDataRequest) (*Stat, error)
	GetData(ctx context.Context, req GetDataRequest) ([]byte, *Stat, error)
	// Exists returns a nil Stat and nil error when the node is absent.
	Exists(ctx context.Context, req ExistsRequest) (*Stat, error)
	GetChildren(ctx context.Context, req GetChildrenRequest) ([]string, *Stat, error)
	// Multi applies ops atomically. A failure is returned as *MultiError.
	Multi(ctx context.Context, ops ...Op) ([]OpResult, error)

	RegisterWatch(ctx context.Context, path string, kind WatchKind, w Watcher) error
	Close() error
}

// Connector establishes new sessions. The returned channel carries the raw
// session events for that session and is closed when the session ends.
type Connector interface {
	Connect(ctx context.Context, endpoints []string, sessionTimeout time.Duration) (Conn, <-chan Event, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, endpoints []string, sessionTimeout time.Duration) (Conn, <-chan Event, error)

// Connect calls f.
func (f ConnectorFunc) Connect(ctx context.Context, endpoints []string, sessionTimeout time.Duration) (Conn, <-chan Event, error) {
	return f(ctx, endpoints, sessionTimeout)
}
