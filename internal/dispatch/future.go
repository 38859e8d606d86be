package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/AltairaLabs/keeper/internal/opserr"
)

// ErrPending is returned by Future.Result before completion.
var ErrPending = errors.New("operation still pending")

type futureState int

const (
	futurePending futureState = iota
	futureRunning
	futureDone
)

// Future is the caller's handle on a submitted operation. It is completed
// exactly once.
type Future struct {
	id   string
	op   string
	path string
	done chan struct{}

	mu        sync.Mutex
	state     futureState
	result    *Result
	err       error
	callbacks []func(*Result, error)
	stop      context.CancelFunc
}

func newFuture(id, op, path string) *Future {
	return &Future{id: id, op: op, path: path, done: make(chan struct{})}
}

// ID returns the operation id.
func (f *Future) ID() string {
	return f.id
}

// Done is closed on completion.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until completion or until ctx ends.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking, or ErrPending.
func (f *Future) Result() (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		return nil, ErrPending
	}
}

// OnComplete registers fn to run once with the outcome. If the future is
// already complete, fn runs immediately on the calling goroutine.
func (f *Future) OnComplete(fn func(*Result, error)) {
	f.mu.Lock()
	if f.state != futureDone {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn(f.result, f.err)
}

// Cancel completes the future with a canceled error. It reports whether the
// operation was withdrawn before it started; after start, the boundary call
// may still have been applied and only the result is discarded.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	prior := f.state
	if prior == futureDone {
		f.mu.Unlock()
		return false
	}
	stop := f.stop
	callbacks := f.finishLocked(nil, opserr.New(opserr.KindCanceled, f.op, f.path, ErrCanceled))
	f.mu.Unlock()

	if stop != nil {
		stop()
	}
	runCallbacks(callbacks, nil, f.err)
	return prior == futurePending
}

// begin moves a pending future to running. It fails if the future was
// canceled while queued.
func (f *Future) begin(stop context.CancelFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != futurePending {
		return false
	}
	f.state = futureRunning
	f.stop = stop
	return true
}

// complete records the outcome unless one was already recorded.
func (f *Future) complete(res *Result, err error) bool {
	f.mu.Lock()
	if f.state == futureDone {
		f.mu.Unlock()
		return false
	}
	callbacks := f.finishLocked(res, err)
	f.mu.Unlock()

	runCallbacks(callbacks, res, err)
	return true
}

func (f *Future) finishLocked(res *Result, err error) []func(*Result, error) {
	f.state = futureDone
	f.result, f.err = res, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	return callbacks
}

func runCallbacks(callbacks []func(*Result, error), res *Result, err error) {
	for _, fn := range callbacks {
		fn(res, err)
	}
}
