package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/AltairaLabs/keeper/internal/compress"
	"github.com/AltairaLabs/keeper/internal/service"
)

// attempt makes one boundary call for op under the per-attempt timeout.
func (d *Dispatcher) attempt(ctx context.Context, conn service.Conn, op *Operation) (*Result, error) {
	timeout := op.AttemptTimeout
	if timeout <= 0 {
		timeout = d.cfg.AttemptTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if op.Ensure != nil {
		if err := d.ensure(ctx, conn, op.Ensure); err != nil {
			return nil, err
		}
	}

	res := &Result{Kind: op.Request.Kind(), Path: op.Request.OpPath()}

	switch req := op.Request.(type) {
	case service.CreateRequest:
		created, err := d.create(ctx, conn, req, op.CreateParents)
		if err != nil {
			return nil, err
		}
		res.Path = created

	case service.DeleteRequest:
		if err := d.delete(ctx, conn, req, op.DeleteChildren); err != nil {
			return nil, err
		}

	case service.SetDataRequest:
		stat, err := conn.SetData(ctx, req)
		if err != nil {
			return nil, err
		}
		res.Stat = stat

	case service.GetDataRequest:
		if err := op.watch(ctx, conn, service.WatchData); err != nil {
			return nil, err
		}
		data, stat, err := conn.GetData(ctx, req)
		if err != nil {
			return nil, err
		}
		if op.Decompress {
			if data, err = decompress(op.Compression, req.Path, data); err != nil {
				return nil, err
			}
		}
		res.Data, res.Stat = data, stat

	case service.ExistsRequest:
		if err := op.watch(ctx, conn, service.WatchExist); err != nil {
			return nil, err
		}
		stat, err := conn.Exists(ctx, req)
		if err != nil {
			return nil, err
		}
		res.Stat, res.Exists = stat, stat != nil

	case service.GetChildrenRequest:
		if err := op.watch(ctx, conn, service.WatchChildren); err != nil {
			return nil, err
		}
		children, stat, err := conn.GetChildren(ctx, req)
		if err != nil {
			return nil, err
		}
		res.Children, res.Stat = children, stat

	case service.CheckRequest:
		// A lone check is a single-entry transaction.
		results, err := conn.Multi(ctx, req)
		if err != nil {
			return nil, err
		}
		res.Results = results

	case Transaction:
		if len(req.Ops) == 0 {
			return nil, service.NewError(service.CodeBadArguments, "")
		}
		results, err := conn.Multi(ctx, req.Ops...)
		if err != nil {
			return nil, err
		}
		res.Results = results

	default:
		return nil, fmt.Errorf("unsupported request %T: %w", req, service.ErrBadArguments)
	}
	return res, nil
}

// watch registers op's watcher once per session, so retries on the same
// session do not fire it twice.
func (op *Operation) watch(ctx context.Context, conn service.Conn, kind service.WatchKind) error {
	if op.Watcher == nil || op.watchedSession == conn.SessionID() {
		return nil
	}
	if err := conn.RegisterWatch(ctx, op.Request.OpPath(), kind, op.Watcher); err != nil {
		return err
	}
	op.watchedSession = conn.SessionID()
	return nil
}

func decompress(p compress.Provider, path string, data []byte) ([]byte, error) {
	if p == nil {
		return compress.Decompress(data)
	}
	return p.Decompress(path, data)
}

// create issues req, first creating missing ancestors when parents is set.
func (d *Dispatcher) create(ctx context.Context, conn service.Conn, req service.CreateRequest, parents bool) (string, error) {
	created, err := conn.Create(ctx, req)
	if err == nil || !parents || !errors.Is(err, service.ErrNoNode) {
		return created, err
	}

	if err := d.createParents(ctx, conn, service.ParentPath(req.Path), req.ACL); err != nil {
		return "", err
	}
	return conn.Create(ctx, req)
}

// createParents creates path and its missing ancestors as empty persistent
// nodes. Nodes created concurrently by others are accepted.
func (d *Dispatcher) createParents(ctx context.Context, conn service.Conn, path string, acl []service.ACL) error {
	if path == "" || path == "/" {
		return nil
	}
	stat, err := conn.Exists(ctx, service.ExistsRequest{Path: path})
	if err != nil {
		return err
	}
	if stat != nil {
		return nil
	}
	if err := d.createParents(ctx, conn, service.ParentPath(path), acl); err != nil {
		return err
	}
	_, err = conn.Create(ctx, service.CreateRequest{Path: path, Mode: service.ModePersistent, ACL: acl})
	if err != nil && !errors.Is(err, service.ErrNodeExists) {
		return err
	}
	d.logger.Debug("Created parent node", "path", path)
	return nil
}

// delete issues req, first removing descendants when children is set.
func (d *Dispatcher) delete(ctx context.Context, conn service.Conn, req service.DeleteRequest, children bool) error {
	err := conn.Delete(ctx, req)
	if err == nil || !children || !errors.Is(err, service.ErrNotEmpty) {
		return err
	}

	if err := d.deleteChildren(ctx, conn, req.Path); err != nil {
		return err
	}
	return conn.Delete(ctx, req)
}

// deleteChildren removes every descendant of path, deepest first. Nodes
// removed concurrently by others are accepted.
func (d *Dispatcher) deleteChildren(ctx context.Context, conn service.Conn, path string) error {
	children, _, err := conn.GetChildren(ctx, service.GetChildrenRequest{Path: path})
	if err != nil {
		if errors.Is(err, service.ErrNoNode) {
			return nil
		}
		return err
	}
	for _, child := range children {
		childPath := service.JoinPath(path, child)
		if err := d.deleteChildren(ctx, conn, childPath); err != nil {
			return err
		}
		err := conn.Delete(ctx, service.DeleteRequest{Path: childPath, Version: service.AnyVersion})
		if err != nil && !errors.Is(err, service.ErrNoNode) {
			return err
		}
	}
	return nil
}
