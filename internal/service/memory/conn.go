package memory

import (
	"context"
	"time"

	"github.com/AltairaLabs/keeper/internal/service"
)

// Conn is one session on a Server.
type Conn struct {
	server  *Server
	id      int64
	timeout time.Duration
}

var _ service.Conn = (*Conn)(nil)

func (c *Conn) SessionID() int64       { return c.id }
func (c *Conn) Timeout() time.Duration { return c.timeout }

// call runs fn under the server lock after the session and fault checks,
// then fires the watches fn triggered.
func (c *Conn) call(ctx context.Context, kind service.OpKind, path string, fn func(t *tree) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	hook := s.onCall
	s.mu.Unlock()
	if hook != nil {
		hook(kind, path)
	}

	s.mu.Lock()
	if err := s.begin(c.id, kind, path); err != nil {
		s.mu.Unlock()
		return err
	}
	err := fn(s.tree)
	fired := s.collect(s.tree.takeTriggers())
	s.mu.Unlock()

	fire(fired)
	return err
}

func (c *Conn) Create(ctx context.Context, req service.CreateRequest) (string, error) {
	var created string
	err := c.call(ctx, service.OpCreate, req.Path, func(t *tree) error {
		var err error
		created, err = t.create(c.id, req)
		return err
	})
	return created, err
}

func (c *Conn) Delete(ctx context.Context, req service.DeleteRequest) error {
	return c.call(ctx, service.OpDelete, req.Path, func(t *tree) error {
		return t.delete(req)
	})
}

func (c *Conn) SetData(ctx context.Context, req service.SetDataRequest) (*service.Stat, error) {
	var stat *service.Stat
	err := c.call(ctx, service.OpSetData, req.Path, func(t *tree) error {
		var err error
		stat, err = t.setData(req)
		return err
	})
	return stat, err
}

func (c *Conn) GetData(ctx context.Context, req service.GetDataRequest) ([]byte, *service.Stat, error) {
	var (
		data []byte
		stat *service.Stat
	)
	err := c.call(ctx, service.OpGetData, req.Path, func(t *tree) error {
		var err error
		data, stat, err = t.getData(req.Path)
		return err
	})
	return data, stat, err
}

func (c *Conn) Exists(ctx context.Context, req service.ExistsRequest) (*service.Stat, error) {
	var stat *service.Stat
	err := c.call(ctx, service.OpExists, req.Path, func(t *tree) error {
		if n := t.lookup(req.Path); n != nil {
			stat = n.statCopy()
		}
		return nil
	})
	return stat, err
}

func (c *Conn) GetChildren(ctx context.Context, req service.GetChildrenRequest) ([]string, *service.Stat, error) {
	var (
		names []string
		stat  *service.Stat
	)
	err := c.call(ctx, service.OpGetChildren, req.Path, func(t *tree) error {
		var err error
		names, stat, err = t.children(req.Path)
		return err
	})
	return names, stat, err
}

// Multi applies ops to a copy of the tree and swaps it in only if every op
// succeeded.
func (c *Conn) Multi(ctx context.Context, ops ...service.Op) ([]service.OpResult, error) {
	var results []service.OpResult
	s := c.server
	err := c.call(ctx, service.OpMulti, "", func(t *tree) error {
		snap := t.snapshot()
		results = make([]service.OpResult, len(ops))
		for i, op := range ops {
			res, err := applyOp(snap, c.id, op)
			results[i] = res
			if err != nil {
				for j := range results {
					if j != i {
						results[j] = service.OpResult{Kind: ops[j].Kind(), Path: ops[j].OpPath(), Err: service.NewError(service.CodeRuntimeInconsistency, ops[j].OpPath())}
					}
				}
				return &service.MultiError{Index: i, Err: err, Results: results}
			}
		}
		s.tree = snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func applyOp(t *tree, owner int64, op service.Op) (service.OpResult, error) {
	res := service.OpResult{Kind: op.Kind(), Path: op.OpPath()}
	var err error
	switch req := op.(type) {
	case service.CreateRequest:
		res.Path, err = t.create(owner, req)
	case service.DeleteRequest:
		err = t.delete(req)
	case service.SetDataRequest:
		res.Stat, err = t.setData(req)
	case service.CheckRequest:
		res.Stat, err = t.check(req)
	default:
		err = service.NewError(service.CodeBadArguments, op.OpPath())
	}
	if err != nil {
		res.Path = op.OpPath()
		res.Err = err
	}
	return res, err
}

func (c *Conn) RegisterWatch(ctx context.Context, path string, kind service.WatchKind, w service.Watcher) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[c.id]
	if !ok || sess.ended {
		return service.NewError(service.CodeSessionExpired, path)
	}
	if !sess.connected {
		return service.NewError(service.CodeConnectionLoss, path)
	}
	if kind != service.WatchExist && s.tree.lookup(path) == nil {
		return service.NewError(service.CodeNoNode, path)
	}
	s.watches = append(s.watches, watch{session: c.id, path: path, kind: kind, fn: w})
	return nil
}

// Close ends the session. Ephemeral nodes are removed.
func (c *Conn) Close() error {
	s := c.server
	s.mu.Lock()
	sess, ok := s.sessions[c.id]
	if !ok || sess.ended {
		s.mu.Unlock()
		return nil
	}
	s.emit(sess, service.Event{Kind: service.EventClosed, SessionID: c.id})
	fired := s.reap(sess, service.CodeClosing)
	s.mu.Unlock()

	fire(fired)
	return nil
}
