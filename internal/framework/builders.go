package framework

import (
	"context"

	"github.com/AltairaLabs/keeper/internal/dispatch"
	"github.com/AltairaLabs/keeper/internal/service"
)

// The builders are values: every method returns a modified copy, so a
// partially configured builder can be shared and reused.

// CreateBuilder configures a node creation.
type CreateBuilder struct {
	c          *Client
	mode       service.CreateMode
	acl        []service.ACL
	compressed bool
	parents    bool
	lane       string
}

// Create starts a node creation with persistent mode and an open ACL.
func (c *Client) Create() CreateBuilder {
	return CreateBuilder{c: c, mode: service.ModePersistent, acl: service.OpenACL()}
}

// Compressed compresses the payload with the client's provider.
func (b CreateBuilder) Compressed() CreateBuilder {
	b.compressed = true
	return b
}

func (b CreateBuilder) WithMode(mode service.CreateMode) CreateBuilder {
	b.mode = mode
	return b
}

func (b CreateBuilder) WithACL(acl ...service.ACL) CreateBuilder {
	b.acl = append([]service.ACL(nil), acl...)
	return b
}

// CreatingParentsIfNeeded creates missing ancestors as persistent nodes.
func (b CreateBuilder) CreatingParentsIfNeeded() CreateBuilder {
	b.parents = true
	return b
}

// InLane runs the operation on the lane for key instead of the default
// lane. Operations sharing a lane run in submission order.
func (b CreateBuilder) InLane(key string) CreateBuilder {
	b.lane = key
	return b
}

// Submit queues the creation.
func (b CreateBuilder) Submit(path string, data []byte) (*dispatch.Future, error) {
	const op = "create"
	full, err := b.c.fixPath(op, path)
	if err != nil {
		return nil, err
	}
	data, err = b.c.payload(op, path, full, data, b.compressed)
	if err != nil {
		return nil, err
	}
	return b.c.submit(&dispatch.Operation{
		Request:       service.CreateRequest{Path: full, Data: data, Mode: b.mode, ACL: b.acl},
		CreateParents: b.parents,
		Lane:          b.lane,
	}), nil
}

// ForPath creates the node and returns its path, which carries the
// sequence suffix for sequential modes.
func (b CreateBuilder) ForPath(ctx context.Context, path string, data []byte) (string, error) {
	f, err := b.Submit(path, data)
	if err != nil {
		return "", err
	}
	res, err := f.Wait(ctx)
	if err != nil {
		return "", err
	}
	return b.c.unfixPath(res.Path), nil
}

// DeleteBuilder configures a node deletion.
type DeleteBuilder struct {
	c          *Client
	version    int32
	guaranteed bool
	children   bool
	lane       string
}

// Delete starts a deletion of any version.
func (c *Client) Delete() DeleteBuilder {
	return DeleteBuilder{c: c, version: service.AnyVersion}
}

func (b DeleteBuilder) WithVersion(v int32) DeleteBuilder {
	b.version = v
	return b
}

// Guaranteed keeps retrying the deletion in the background after a
// connection or session failure, until it succeeds or the node is gone.
// The caller still sees the original failure.
func (b DeleteBuilder) Guaranteed() DeleteBuilder {
	b.guaranteed = true
	return b
}

// DeletingChildrenIfNeeded deletes all descendants first.
func (b DeleteBuilder) DeletingChildrenIfNeeded() DeleteBuilder {
	b.children = true
	return b
}

func (b DeleteBuilder) InLane(key string) DeleteBuilder {
	b.lane = key
	return b
}

// Submit queues the deletion.
func (b DeleteBuilder) Submit(path string) (*dispatch.Future, error) {
	full, err := b.c.fixPath("delete", path)
	if err != nil {
		return nil, err
	}
	f := b.c.submit(&dispatch.Operation{
		Request:        service.DeleteRequest{Path: full, Version: b.version},
		DeleteChildren: b.children,
		Lane:           b.lane,
	})
	if b.guaranteed {
		f.OnComplete(func(_ *dispatch.Result, err error) {
			if err != nil && guaranteeable(err) {
				b.c.guaranteed.add(full, b.version, b.children)
			}
		})
	}
	return f, nil
}

// ForPath deletes the node.
func (b DeleteBuilder) ForPath(ctx context.Context, path string) error {
	f, err := b.Submit(path)
	if err != nil {
		return err
	}
	_, err = f.Wait(ctx)
	return err
}

// SetDataBuilder configures a data update.
type SetDataBuilder struct {
	c          *Client
	version    int32
	compressed bool
	lane       string
}

// SetData starts an update of any version.
func (c *Client) SetData() SetDataBuilder {
	return SetDataBuilder{c: c, version: service.AnyVersion}
}

func (b SetDataBuilder) Compressed() SetDataBuilder {
	b.compressed = true
	return b
}

func (b SetDataBuilder) WithVersion(v int32) SetDataBuilder {
	b.version = v
	return b
}

func (b SetDataBuilder) InLane(key string) SetDataBuilder {
	b.lane = key
	return b
}

// Submit queues the update.
func (b SetDataBuilder) Submit(path string, data []byte) (*dispatch.Future, error) {
	const op = "set_data"
	full, err := b.c.fixPath(op, path)
	if err != nil {
		return nil, err
	}
	data, err = b.c.payload(op, path, full, data, b.compressed)
	if err != nil {
		return nil, err
	}
	return b.c.submit(&dispatch.Operation{
		Request: service.SetDataRequest{Path: full, Data: data, Version: b.version},
		Lane:    b.lane,
	}), nil
}

// ForPath updates the node and returns its new stat.
func (b SetDataBuilder) ForPath(ctx context.Context, path string, data []byte) (*service.Stat, error) {
	f, err := b.Submit(path, data)
	if err != nil {
		return nil, err
	}
	res, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return res.Stat, nil
}

// GetDataBuilder configures a data read.
type GetDataBuilder struct {
	c            *Client
	decompressed bool
	watcher      service.Watcher
	stat         *service.Stat
	lane         string
}

func (c *Client) GetData() GetDataBuilder {
	return GetDataBuilder{c: c}
}

// Decompressed inverts Compressed on the returned payload.
func (b GetDataBuilder) Decompressed() GetDataBuilder {
	b.decompressed = true
	return b
}

// UsingWatcher sets a one-shot data watch on the node.
func (b GetDataBuilder) UsingWatcher(w service.Watcher) GetDataBuilder {
	b.watcher = w
	return b
}

// StoringStatIn copies the node's stat into stat when ForPath succeeds.
func (b GetDataBuilder) StoringStatIn(stat *service.Stat) GetDataBuilder {
	b.stat = stat
	return b
}

func (b GetDataBuilder) InLane(key string) GetDataBuilder {
	b.lane = key
	return b
}

// Submit queues the read.
func (b GetDataBuilder) Submit(path string) (*dispatch.Future, error) {
	full, err := b.c.fixPath("get_data", path)
	if err != nil {
		return nil, err
	}
	return b.c.submit(&dispatch.Operation{
		Request:     service.GetDataRequest{Path: full},
		Decompress:  b.decompressed,
		Compression: b.c.compression,
		Watcher:     b.c.watcher(b.watcher),
		Lane:        b.lane,
	}), nil
}

// ForPath reads the node's data.
func (b GetDataBuilder) ForPath(ctx context.Context, path string) ([]byte, error) {
	f, err := b.Submit(path)
	if err != nil {
		return nil, err
	}
	res, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if b.stat != nil && res.Stat != nil {
		*b.stat = *res.Stat
	}
	return res.Data, nil
}

// ExistsBuilder configures an existence check.
type ExistsBuilder struct {
	c       *Client
	watcher service.Watcher
	lane    string
}

func (c *Client) Exists() ExistsBuilder {
	return ExistsBuilder{c: c}
}

// UsingWatcher sets a one-shot watch that fires on creation, deletion or
// data change.
func (b ExistsBuilder) UsingWatcher(w service.Watcher) ExistsBuilder {
	b.watcher = w
	return b
}

func (b ExistsBuilder) InLane(key string) ExistsBuilder {
	b.lane = key
	return b
}

// Submit queues the check.
func (b ExistsBuilder) Submit(path string) (*dispatch.Future, error) {
	full, err := b.c.fixPath("exists", path)
	if err != nil {
		return nil, err
	}
	return b.c.submit(&dispatch.Operation{
		Request: service.ExistsRequest{Path: full},
		Watcher: b.c.watcher(b.watcher),
		Lane:    b.lane,
	}), nil
}

// ForPath returns the node's stat, or nil if it does not exist.
func (b ExistsBuilder) ForPath(ctx context.Context, path string) (*service.Stat, error) {
	f, err := b.Submit(path)
	if err != nil {
		return nil, err
	}
	res, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return res.Stat, nil
}

// GetChildrenBuilder configures a child listing.
type GetChildrenBuilder struct {
	c       *Client
	watcher service.Watcher
	stat    *service.Stat
	lane    string
}

func (c *Client) GetChildren() GetChildrenBuilder {
	return GetChildrenBuilder{c: c}
}

// UsingWatcher sets a one-shot watch on the node's children.
func (b GetChildrenBuilder) UsingWatcher(w service.Watcher) GetChildrenBuilder {
	b.watcher = w
	return b
}

func (b GetChildrenBuilder) StoringStatIn(stat *service.Stat) GetChildrenBuilder {
	b.stat = stat
	return b
}

func (b GetChildrenBuilder) InLane(key string) GetChildrenBuilder {
	b.lane = key
	return b
}

// Submit queues the listing.
func (b GetChildrenBuilder) Submit(path string) (*dispatch.Future, error) {
	full, err := b.c.fixPath("get_children", path)
	if err != nil {
		return nil, err
	}
	return b.c.submit(&dispatch.Operation{
		Request: service.GetChildrenRequest{Path: full},
		Watcher: b.c.watcher(b.watcher),
		Lane:    b.lane,
	}), nil
}

// ForPath returns the sorted child names.
func (b GetChildrenBuilder) ForPath(ctx context.Context, path string) ([]string, error) {
	f, err := b.Submit(path)
	if err != nil {
		return nil, err
	}
	res, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if b.stat != nil && res.Stat != nil {
		*b.stat = *res.Stat
	}
	return res.Children, nil
}
