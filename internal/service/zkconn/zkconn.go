// Package zkconn adapts github.com/go-zookeeper/zk to the service boundary.
//
// The zk client re-establishes expired sessions on its own; keeper owns
// session replacement, so a Conn is closed as soon as its session expires
// and the manager connects a fresh one.
package zkconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/AltairaLabs/keeper/internal/service"
)

// client is the subset of *zk.Conn used by Conn.
type client interface {
	SessionID() int64
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateContainer(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Multi(ops ...interface{}) ([]zk.MultiResponse, error)
	Close()
}

// Connector opens ZooKeeper sessions.
type Connector struct {
	Logger *slog.Logger
	// Dialer overrides the TCP dialer, mainly for tests.
	Dialer zk.Dialer
}

// printfLogger routes zk client logs through slog.
type printfLogger struct {
	logger *slog.Logger
}

func (l printfLogger) Printf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Connect implements service.Connector.
func (c Connector) Connect(ctx context.Context, endpoints []string, sessionTimeout time.Duration) (service.Conn, <-chan service.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = net.DialTimeout
	}

	zc, events, err := zk.Connect(endpoints, sessionTimeout,
		zk.WithLogger(printfLogger{logger: logger.With("component", "zk")}),
		zk.WithDialer(dialer),
		zk.WithLogInfo(false),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("zk connect: %w", err)
	}
	conn := newConn(zc, sessionTimeout)
	out := make(chan service.Event, 16)
	go conn.forward(events, out)
	logger.Debug("ZooKeeper connection opened", "endpoints", endpoints, "session_timeout", sessionTimeout)
	return conn, out, nil
}

// Conn is one ZooKeeper session.
type Conn struct {
	zk      client
	timeout time.Duration
}

func newConn(c client, timeout time.Duration) *Conn {
	return &Conn{zk: c, timeout: timeout}
}

// forward translates zk session events until the zk channel closes or the
// session expires.
func (c *Conn) forward(in <-chan zk.Event, out chan<- service.Event) {
	defer close(out)
	for ev := range in {
		mapped, ok := sessionEvent(ev)
		if !ok {
			continue
		}
		if mapped.Kind == service.EventConnected || mapped.Kind == service.EventConnectedReadOnly {
			mapped.SessionID = c.zk.SessionID()
			mapped.Timeout = c.timeout
		}
		out <- mapped
		if mapped.Kind == service.EventExpired || mapped.Kind == service.EventAuthFailed {
			c.zk.Close()
			return
		}
	}
}

// sessionEvent maps a zk session event to its service event. Node events
// and intermediate states report false.
func sessionEvent(ev zk.Event) (service.Event, bool) {
	if ev.Type != zk.EventSession {
		return service.Event{}, false
	}
	switch ev.State {
	case zk.StateHasSession:
		return service.Event{Kind: service.EventConnected}, true
	case zk.StateConnectedReadOnly:
		return service.Event{Kind: service.EventConnectedReadOnly}, true
	case zk.StateDisconnected:
		return service.Event{Kind: service.EventDisconnected, Err: mapError(ev.Err, "")}, true
	case zk.StateExpired:
		return service.Event{Kind: service.EventExpired, Err: service.ErrSessionExpired}, true
	case zk.StateAuthFailed:
		return service.Event{Kind: service.EventAuthFailed, Err: service.ErrAuthFailed}, true
	default:
		return service.Event{}, false
	}
}

func watchEvent(ev zk.Event) service.WatchEvent {
	out := service.WatchEvent{Path: ev.Path}
	switch ev.Type {
	case zk.EventNodeCreated:
		out.Type = service.NodeCreated
	case zk.EventNodeDeleted:
		out.Type = service.NodeDeleted
	case zk.EventNodeDataChanged:
		out.Type = service.NodeDataChanged
	case zk.EventNodeChildrenChanged:
		out.Type = service.NodeChildrenChanged
	default:
		out.Type = service.WatchRemoved
	}
	return out
}

var zkErrors = map[error]service.Code{
	zk.ErrConnectionClosed:        service.CodeConnectionLoss,
	zk.ErrNoServer:                service.CodeConnectionLoss,
	zk.ErrUnknown:                 service.CodeSystemError,
	zk.ErrAPIError:                service.CodeAPIError,
	zk.ErrNoNode:                  service.CodeNoNode,
	zk.ErrNoAuth:                  service.CodeNoAuth,
	zk.ErrBadVersion:              service.CodeBadVersion,
	zk.ErrNoChildrenForEphemerals: service.CodeNoChildrenForEphemerals,
	zk.ErrNodeExists:              service.CodeNodeExists,
	zk.ErrNotEmpty:                service.CodeNotEmpty,
	zk.ErrSessionExpired:          service.CodeSessionExpired,
	zk.ErrInvalidACL:              service.CodeInvalidACL,
	zk.ErrInvalidFlags:            service.CodeBadArguments,
	zk.ErrInvalidPath:             service.CodeBadArguments,
	zk.ErrBadArguments:            service.CodeBadArguments,
	zk.ErrAuthFailed:              service.CodeAuthFailed,
	zk.ErrClosing:                 service.CodeClosing,
	zk.ErrNothing:                 service.CodeNothing,
	zk.ErrSessionMoved:            service.CodeSessionMoved,
}

// mapError converts a zk error into a *service.Error. Unknown errors are
// reported as connection loss so they stay retryable.
func mapError(err error, path string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	for zerr, code := range zkErrors {
		if errors.Is(err, zerr) {
			return service.NewError(code, path)
		}
	}
	return fmt.Errorf("%w: %v", service.NewError(service.CodeConnectionLoss, path), err)
}

func createFlags(mode service.CreateMode) int32 {
	switch mode {
	case service.ModeEphemeral:
		return zk.FlagEphemeral
	case service.ModePersistentSequential:
		return zk.FlagSequence
	case service.ModeEphemeralSequential:
		return zk.FlagEphemeralSequential
	case service.ModeContainer:
		return zk.FlagContainer
	default:
		return zk.FlagPersistent
	}
}

func toACL(acl []service.ACL) []zk.ACL {
	if len(acl) == 0 {
		return zk.WorldACL(zk.PermAll)
	}
	out := make([]zk.ACL, len(acl))
	for i, a := range acl {
		out[i] = zk.ACL{Perms: a.Perms, Scheme: a.Scheme, ID: a.ID}
	}
	return out
}

func toStat(s *zk.Stat) *service.Stat {
	if s == nil {
		return nil
	}
	return &service.Stat{
		Czxid:          s.Czxid,
		Mzxid:          s.Mzxid,
		Pzxid:          s.Pzxid,
		Ctime:          s.Ctime,
		Mtime:          s.Mtime,
		Version:        s.Version,
		Cversion:       s.Cversion,
		Aversion:       s.Aversion,
		EphemeralOwner: s.EphemeralOwner,
		DataLength:     s.DataLength,
		NumChildren:    s.NumChildren,
	}
}

// call runs fn on its own goroutine so a blocked request still honors ctx.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Conn) SessionID() int64 { return c.zk.SessionID() }

func (c *Conn) Timeout() time.Duration { return c.timeout }

func (c *Conn) Create(ctx context.Context, req service.CreateRequest) (string, error) {
	path, err := call(ctx, func() (string, error) {
		if req.Mode == service.ModeContainer {
			return c.zk.CreateContainer(req.Path, req.Data, zk.FlagContainer, toACL(req.ACL))
		}
		return c.zk.Create(req.Path, req.Data, createFlags(req.Mode), toACL(req.ACL))
	})
	return path, mapError(err, req.Path)
}

func (c *Conn) Delete(ctx context.Context, req service.DeleteRequest) error {
	_, err := call(ctx, func() (struct{}, error) {
		return struct{}{}, c.zk.Delete(req.Path, req.Version)
	})
	return mapError(err, req.Path)
}

func (c *Conn) SetData(ctx context.Context, req service.SetDataRequest) (*service.Stat, error) {
	stat, err := call(ctx, func() (*zk.Stat, error) {
		return c.zk.Set(req.Path, req.Data, req.Version)
	})
	if err != nil {
		return nil, mapError(err, req.Path)
	}
	return toStat(stat), nil
}

type dataResult struct {
	data []byte
	stat *zk.Stat
}

func (c *Conn) GetData(ctx context.Context, req service.GetDataRequest) ([]byte, *service.Stat, error) {
	r, err := call(ctx, func() (dataResult, error) {
		data, stat, err := c.zk.Get(req.Path)
		return dataResult{data, stat}, err
	})
	if err != nil {
		return nil, nil, mapError(err, req.Path)
	}
	return r.data, toStat(r.stat), nil
}

func (c *Conn) Exists(ctx context.Context, req service.ExistsRequest) (*service.Stat, error) {
	stat, err := call(ctx, func() (*zk.Stat, error) {
		ok, stat, err := c.zk.Exists(req.Path)
		if !ok {
			stat = nil
		}
		return stat, err
	})
	if err != nil {
		return nil, mapError(err, req.Path)
	}
	return toStat(stat), nil
}

type childrenResult struct {
	children []string
	stat     *zk.Stat
}

func (c *Conn) GetChildren(ctx context.Context, req service.GetChildrenRequest) ([]string, *service.Stat, error) {
	r, err := call(ctx, func() (childrenResult, error) {
		children, stat, err := c.zk.Children(req.Path)
		return childrenResult{children, stat}, err
	})
	if err != nil {
		return nil, nil, mapError(err, req.Path)
	}
	return r.children, toStat(r.stat), nil
}

// multiOps converts write requests into the zk multi request types.
func multiOps(ops []service.Op) ([]interface{}, error) {
	out := make([]interface{}, 0, len(ops))
	for i, op := range ops {
		switch r := op.(type) {
		case service.CreateRequest:
			out = append(out, &zk.CreateRequest{Path: r.Path, Data: r.Data, Acl: toACL(r.ACL), Flags: createFlags(r.Mode)})
		case service.DeleteRequest:
			out = append(out, &zk.DeleteRequest{Path: r.Path, Version: r.Version})
		case service.SetDataRequest:
			out = append(out, &zk.SetDataRequest{Path: r.Path, Data: r.Data, Version: r.Version})
		case service.CheckRequest:
			out = append(out, &zk.CheckVersionRequest{Path: r.Path, Version: r.Version})
		default:
			return nil, &service.MultiError{Index: i, Err: service.NewError(service.CodeBadArguments, op.OpPath())}
		}
	}
	return out, nil
}

// multiResults maps zk responses. On abort the failing index is the
// response that carries the returned error.
func multiResults(ops []service.Op, responses []zk.MultiResponse, err error) ([]service.OpResult, error) {
	results := make([]service.OpResult, len(ops))
	for i, op := range ops {
		results[i] = service.OpResult{Kind: op.Kind(), Path: op.OpPath()}
		if i >= len(responses) {
			continue
		}
		r := responses[i]
		if r.String != "" {
			results[i].Path = r.String
		}
		results[i].Stat = toStat(r.Stat)
		results[i].Err = mapError(r.Error, op.OpPath())
	}
	if err == nil {
		return results, nil
	}
	if len(responses) == 0 {
		return nil, mapError(err, "")
	}
	index := 0
	for i, r := range responses {
		if r.Error != nil && errors.Is(r.Error, err) {
			index = i
			break
		}
	}
	path := ""
	if index < len(ops) {
		path = ops[index].OpPath()
	}
	return nil, &service.MultiError{Index: index, Err: mapError(err, path), Results: results}
}

func (c *Conn) Multi(ctx context.Context, ops ...service.Op) ([]service.OpResult, error) {
	reqs, err := multiOps(ops)
	if err != nil {
		return nil, err
	}
	type multiResult struct {
		responses []zk.MultiResponse
		err       error
	}
	r, err := call(ctx, func() (multiResult, error) {
		responses, err := c.zk.Multi(reqs...)
		return multiResult{responses, err}, nil
	})
	if err != nil {
		return nil, err
	}
	return multiResults(ops, r.responses, r.err)
}

// RegisterWatch sets a one-shot zk watch and delivers its event to w.
func (c *Conn) RegisterWatch(ctx context.Context, path string, kind service.WatchKind, w service.Watcher) error {
	ch, err := call(ctx, func() (<-chan zk.Event, error) {
		switch kind {
		case service.WatchData:
			_, _, ch, err := c.zk.GetW(path)
			return ch, err
		case service.WatchChildren:
			_, _, ch, err := c.zk.ChildrenW(path)
			return ch, err
		default:
			_, _, ch, err := c.zk.ExistsW(path)
			return ch, err
		}
	})
	if err != nil {
		return mapError(err, path)
	}
	go func() {
		if ev, ok := <-ch; ok {
			w(watchEvent(ev))
		}
	}()
	return nil
}

func (c *Conn) Close() error {
	c.zk.Close()
	return nil
}
