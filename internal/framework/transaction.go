package framework

import (
	"context"
	"fmt"

	"github.com/AltairaLabs/keeper/internal/dispatch"
	"github.com/AltairaLabs/keeper/internal/opserr"
	"github.com/AltairaLabs/keeper/internal/service"
)

const opTransaction = "transaction"

type txnOp struct {
	kind       service.OpKind
	path       string
	data       []byte
	version    int32
	mode       service.CreateMode
	acl        []service.ACL
	compressed bool
}

// TxnOption configures one sub-operation of a transaction.
type TxnOption func(*txnOp)

// Compressed compresses the sub-operation's payload.
func Compressed() TxnOption {
	return func(o *txnOp) { o.compressed = true }
}

// WithVersion sets the expected version of a delete, update or check.
func WithVersion(v int32) TxnOption {
	return func(o *txnOp) { o.version = v }
}

// WithMode sets the create mode.
func WithMode(mode service.CreateMode) TxnOption {
	return func(o *txnOp) { o.mode = mode }
}

// WithACL sets the ACL of a created node.
func WithACL(acl ...service.ACL) TxnOption {
	return func(o *txnOp) { o.acl = append([]service.ACL(nil), acl...) }
}

// TransactionBuilder accumulates sub-operations that commit atomically in
// one round trip. Like the other builders it is a value; appending to a
// shared prefix never affects another copy.
type TransactionBuilder struct {
	c    *Client
	ops  []txnOp
	lane string
}

// InTransaction starts an empty transaction.
func (c *Client) InTransaction() TransactionBuilder {
	return TransactionBuilder{c: c}
}

func (b TransactionBuilder) with(op txnOp, opts []TxnOption) TransactionBuilder {
	for _, opt := range opts {
		opt(&op)
	}
	b.ops = append(b.ops[:len(b.ops):len(b.ops)], op)
	return b
}

func (b TransactionBuilder) Create(path string, data []byte, opts ...TxnOption) TransactionBuilder {
	return b.with(txnOp{
		kind:    service.OpCreate,
		path:    path,
		data:    data,
		version: service.AnyVersion,
		mode:    service.ModePersistent,
		acl:     service.OpenACL(),
	}, opts)
}

func (b TransactionBuilder) Delete(path string, opts ...TxnOption) TransactionBuilder {
	return b.with(txnOp{kind: service.OpDelete, path: path, version: service.AnyVersion}, opts)
}

func (b TransactionBuilder) SetData(path string, data []byte, opts ...TxnOption) TransactionBuilder {
	return b.with(txnOp{kind: service.OpSetData, path: path, data: data, version: service.AnyVersion}, opts)
}

// Check asserts that path is at version when the transaction commits.
func (b TransactionBuilder) Check(path string, version int32) TransactionBuilder {
	return b.with(txnOp{kind: service.OpCheck, path: path, version: version}, nil)
}

func (b TransactionBuilder) InLane(key string) TransactionBuilder {
	b.lane = key
	return b
}

// Len is the number of sub-operations.
func (b TransactionBuilder) Len() int {
	return len(b.ops)
}

// build validates every sub-operation and produces the service requests.
func (b TransactionBuilder) build() (dispatch.Transaction, error) {
	if len(b.ops) == 0 {
		return dispatch.Transaction{}, opserr.Validation(opTransaction, "", ErrEmptyTransaction)
	}

	txn := dispatch.Transaction{Ops: make([]service.Op, 0, len(b.ops))}
	for i, op := range b.ops {
		full, err := b.c.fixPath(op.kind.String(), op.path)
		if err != nil {
			return txn, subOpError(i, err)
		}
		switch op.kind {
		case service.OpCreate:
			data, err := b.c.payload(op.kind.String(), op.path, full, op.data, op.compressed)
			if err != nil {
				return txn, subOpError(i, err)
			}
			txn.Ops = append(txn.Ops, service.CreateRequest{Path: full, Data: data, Mode: op.mode, ACL: op.acl})
		case service.OpDelete:
			txn.Ops = append(txn.Ops, service.DeleteRequest{Path: full, Version: op.version})
		case service.OpSetData:
			data, err := b.c.payload(op.kind.String(), op.path, full, op.data, op.compressed)
			if err != nil {
				return txn, subOpError(i, err)
			}
			txn.Ops = append(txn.Ops, service.SetDataRequest{Path: full, Data: data, Version: op.version})
		case service.OpCheck:
			txn.Ops = append(txn.Ops, service.CheckRequest{Path: full, Version: op.version})
		default:
			return txn, opserr.Validation(opTransaction, op.path, fmt.Errorf("unsupported sub-operation %s", op.kind))
		}
	}
	return txn, nil
}

func subOpError(index int, err error) error {
	if e, ok := err.(*opserr.Error); ok {
		wrapped := *e
		wrapped.SubOp = index
		return &wrapped
	}
	return err
}

// Submit validates the transaction and queues it as a single operation.
func (b TransactionBuilder) Submit() (*dispatch.Future, error) {
	txn, err := b.build()
	if err != nil {
		return nil, err
	}
	return b.c.submit(&dispatch.Operation{Request: txn, Lane: b.lane}), nil
}

// Commit submits the transaction and waits for it. On abort the error is an
// *opserr.Error of KindTransactionAbort whose SubOp names the failing
// sub-operation; nothing was applied.
func (b TransactionBuilder) Commit(ctx context.Context) ([]service.OpResult, error) {
	f, err := b.Submit()
	if err != nil {
		return nil, err
	}
	res, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]service.OpResult, len(res.Results))
	for i, r := range res.Results {
		r.Path = b.c.unfixPath(r.Path)
		results[i] = r
	}
	return results, nil
}
