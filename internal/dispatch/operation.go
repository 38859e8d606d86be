package dispatch

import (
	"time"

	"github.com/AltairaLabs/keeper/internal/compress"
	"github.com/AltairaLabs/keeper/internal/retry"
	"github.com/AltairaLabs/keeper/internal/service"
)

// Transaction is an ordered batch of write requests applied atomically in a
// single Multi call.
type Transaction struct {
	Ops []service.Op
}

func (Transaction) Kind() service.OpKind { return service.OpMulti }

// OpPath returns the path of the first sub-operation.
func (t Transaction) OpPath() string {
	if len(t.Ops) == 0 {
		return ""
	}
	return t.Ops[0].OpPath()
}

// Operation is one queued unit of work. Request is one of the service
// request structs or a Transaction.
type Operation struct {
	ID      string
	Request service.Op

	// Lane selects the ordering lane. Operations with the same lane key run
	// one at a time in submission order.
	Lane string

	// Decompress inverts Compression on data returned by a GetData request.
	// A nil Compression decodes any framed payload.
	Decompress  bool
	Compression compress.Provider

	// CreateParents creates missing ancestors of a Create request.
	CreateParents bool
	// DeleteChildren deletes descendants of a Delete request first.
	DeleteChildren bool

	// Ensure, when set, must succeed before the request is issued.
	Ensure *EnsurePath

	// Watcher is registered for read requests before the read runs.
	Watcher service.Watcher

	// Retry, AttemptTimeout and Timeout override the dispatcher defaults.
	Retry          retry.Policy
	AttemptTimeout time.Duration
	Timeout        time.Duration

	EnqueuedAt time.Time

	future         *Future
	watchedSession int64
}

// Result is the value of a completed operation. Only the fields of the
// request's kind are set.
type Result struct {
	Kind service.OpKind
	// Path is the created path for creates, the requested path otherwise.
	Path     string
	Data     []byte
	Stat     *service.Stat
	Exists   bool
	Children []string
	// Results holds one entry per sub-operation of a transaction.
	Results []service.OpResult

	Retries   int
	SessionID int64
}

// RetryContext is the private retry state of one operation.
type RetryContext struct {
	Count   int
	Start   time.Time
	LastErr error
}

// Elapsed is the time since the first attempt.
func (rc *RetryContext) Elapsed(now time.Time) time.Duration {
	return now.Sub(rc.Start)
}
