// Package dispatch runs queued operations against the current session in
// the background. Each operation waits for a usable connection, is retried
// under its retry policy on recoverable failures, and completes its Future
// exactly once.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/AltairaLabs/keeper/internal/config"
	"github.com/AltairaLabs/keeper/internal/connstate"
	"github.com/AltairaLabs/keeper/internal/opserr"
	"github.com/AltairaLabs/keeper/internal/retry"
	"github.com/AltairaLabs/keeper/internal/service"
	"github.com/AltairaLabs/keeper/internal/tracer"
)

var (
	// ErrCanceled is the cause of a canceled operation.
	ErrCanceled = errors.New("operation canceled")
	// ErrQueueFull is the cause when an operation's lane has no room.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrClosed is the cause for operations submitted to, or still queued
	// in, a closed dispatcher.
	ErrClosed = errors.New("dispatcher closed")
	// ErrNoRequest rejects an operation without a request.
	ErrNoRequest = errors.New("operation has no request")
)

// Connection is the view of the connection state the dispatcher needs.
// *connstate.Manager implements it.
type Connection interface {
	Snapshot() (connstate.State, *connstate.Session, <-chan struct{})
	Usable(connstate.State) bool
	InstanceIndex() int64
}

// Config holds the dispatcher's collaborators and limits.
type Config struct {
	config.DispatchConfig

	Connection Connection
	// Retry is the default policy for operations that do not set one.
	Retry retry.Policy
	// Classifier defaults to opserr.DefaultClassifier.
	Classifier *opserr.Classifier

	Clock  clock.Clock
	Tracer tracer.Driver
	Logger *slog.Logger
}

// Stats are cumulative dispatcher counters.
type Stats struct {
	Submitted int64
	Succeeded int64
	Failed    int64
	Canceled  int64
	Retries   int64
	Queued    int
}

// Dispatcher executes operations on a fixed set of lanes.
type Dispatcher struct {
	cfg        Config
	conn       Connection
	policy     retry.Policy
	classifier opserr.Classifier
	clock      clock.Clock
	tracer     tracer.Driver
	logger     *slog.Logger

	lanes []chan *Operation

	mu      sync.RWMutex
	closed  bool
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	canceled  atomic.Int64
	retries   atomic.Int64
}

// New creates a dispatcher. Operations may be submitted before Start; they
// wait in their lane.
func New(cfg Config) *Dispatcher {
	defaults := config.DefaultDispatchConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.ConnectionWait <= 0 {
		cfg.ConnectionWait = defaults.ConnectionWait
	}
	if cfg.SessionWait <= 0 {
		cfg.SessionWait = defaults.SessionWait
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaults.AttemptTimeout
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	classifier := opserr.DefaultClassifier()
	if cfg.Classifier != nil {
		classifier = *cfg.Classifier
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:        cfg,
		conn:       cfg.Connection,
		policy:     cfg.Retry,
		classifier: classifier,
		clock:      cfg.Clock,
		tracer:     tracer.OrNop(cfg.Tracer),
		logger:     cfg.Logger,
		lanes:      make([]chan *Operation, cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan *Operation, cfg.QueueSize)
	}
	return d
}

// Start launches one worker per lane.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	d.logger.Info("Starting operation dispatcher",
		"workers", len(d.lanes),
		"queue_size", d.cfg.QueueSize)

	for i, lane := range d.lanes {
		d.wg.Add(1)
		go d.worker(i, lane)
	}
}

// Close stops the workers. Queued operations fail with ErrClosed and
// running ones are interrupted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.cancel()
	for _, lane := range d.lanes {
		close(lane)
	}
	started := d.started
	d.mu.Unlock()

	d.logger.Info("Stopping operation dispatcher")
	if started {
		d.wg.Wait()
	} else {
		for _, lane := range d.lanes {
			for op := range lane {
				d.fail(op, opserr.New(opserr.KindClosed, op.Request.Kind().String(), op.Request.OpPath(), ErrClosed))
			}
		}
	}
	d.logger.Info("Operation dispatcher stopped")
}

// Submit queues op and returns its Future without blocking. Submission
// failures complete the Future immediately.
func (d *Dispatcher) Submit(op *Operation) *Future {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Request == nil {
		f := newFuture(op.ID, "unknown", "")
		f.complete(nil, opserr.Validation("unknown", "", ErrNoRequest))
		return f
	}

	name, path := op.Request.Kind().String(), op.Request.OpPath()
	op.future = newFuture(op.ID, name, path)
	op.EnqueuedAt = d.clock.Now()
	d.submitted.Add(1)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.fail(op, opserr.New(opserr.KindClosed, name, path, ErrClosed))
		return op.future
	}

	select {
	case d.lanes[d.laneFor(op.Lane)] <- op:
		d.logger.Debug("Operation queued", "op_id", op.ID, "op", name, "path", path, "lane", op.Lane)
	default:
		d.fail(op, opserr.New(opserr.KindRecoverable, name, path, ErrQueueFull))
	}
	return op.future
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	queued := 0
	for _, lane := range d.lanes {
		queued += len(lane)
	}
	return Stats{
		Submitted: d.submitted.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Canceled:  d.canceled.Load(),
		Retries:   d.retries.Load(),
		Queued:    queued,
	}
}

// laneFor maps a lane key to a worker. The empty key is lane zero.
func (d *Dispatcher) laneFor(key string) int {
	if key == "" {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(len(d.lanes)))
}

func (d *Dispatcher) worker(index int, lane <-chan *Operation) {
	defer d.wg.Done()
	for op := range lane {
		if d.ctx.Err() != nil {
			d.fail(op, opserr.New(opserr.KindClosed, op.Request.Kind().String(), op.Request.OpPath(), ErrClosed))
			continue
		}
		d.process(op)
	}
	d.logger.Debug("Dispatch worker stopped", "lane", index)
}

func (d *Dispatcher) succeed(op *Operation, res *Result) {
	if op.future.complete(res, nil) {
		d.succeeded.Add(1)
		return
	}
	d.canceled.Add(1)
}

func (d *Dispatcher) fail(op *Operation, err error) {
	if op.future.complete(nil, err) {
		d.failed.Add(1)
		return
	}
	d.canceled.Add(1)
}

// process runs op to completion on the calling worker.
func (d *Dispatcher) process(op *Operation) {
	ctx, stop := context.WithCancel(d.ctx)
	defer stop()
	if !op.future.begin(stop) {
		d.canceled.Add(1)
		d.logger.Debug("Skipping operation canceled while queued", "op_id", op.ID)
		return
	}

	name, path := op.Request.Kind().String(), op.Request.OpPath()
	trace := tracer.Start(d.tracer, tracer.OperationPrefix+name)
	defer trace.Commit()

	policy := op.Retry
	if policy == nil {
		policy = d.policy
	}
	budget := op.Timeout
	if budget <= 0 {
		budget = d.cfg.OperationTimeout
	}

	rc := &RetryContext{Start: d.clock.Now()}
	deadline := rc.Start.Add(budget)
	var generation int64

	terminal := func(kind opserr.Kind, cause error, sessionID int64) *opserr.Error {
		e := opserr.New(kind, name, path, cause)
		e.Retries = rc.Count
		e.SessionID = sessionID
		var me *service.MultiError
		if kind == opserr.KindTransactionAbort && errors.As(cause, &me) {
			e.SubOp = me.Index
		}
		return e
	}

	for {
		sess, err := d.awaitSession(ctx, deadline)
		if err == nil && d.cfg.FailOnSessionChange && generation != 0 && sess.Generation != generation {
			d.fail(op, terminal(opserr.KindSessionFatal, opserr.ErrSessionChanged, sess.ID))
			return
		}

		var sessionID int64
		if err == nil {
			generation = sess.Generation
			sessionID = sess.ID
			var res *Result
			res, err = d.attempt(ctx, sess.Conn, op)
			if err == nil {
				res.Retries = rc.Count
				res.SessionID = sess.ID
				d.succeed(op, res)
				return
			}
		}

		kind := d.classify(ctx, err)
		if kind != opserr.KindRecoverable {
			d.logger.Debug("Operation failed", "op_id", op.ID, "op", name, "path", path, "kind", kind.String(), "error", err)
			d.fail(op, terminal(kind, err, sessionID))
			return
		}

		rc.LastErr = err
		now := d.clock.Now()
		sleep, ok := policy.AllowRetry(rc.Count, rc.Elapsed(now), err)
		if !ok {
			d.tracer.AddCount(tracer.RetriesDisallowed, 1)
			d.logger.Warn("Retry policy exhausted",
				"op_id", op.ID, "op", name, "path", path,
				"retry_count", rc.Count, "error", err)
			d.fail(op, terminal(opserr.KindRecoverable, err, sessionID))
			return
		}
		if !now.Add(sleep).Before(deadline) {
			d.fail(op, terminal(opserr.KindTimeout, err, sessionID))
			return
		}

		d.tracer.AddCount(tracer.RetriesAllowed, 1)
		d.retries.Add(1)
		rc.Count++
		d.logger.Debug("Retrying operation",
			"op_id", op.ID, "op", name, "path", path,
			"retry_count", rc.Count, "delay", sleep, "error", err)

		if err := d.sleep(ctx, sleep); err != nil {
			d.fail(op, terminal(d.classify(ctx, err), err, sessionID))
			return
		}
	}
}

// classify maps an attempt error to a kind, attributing context errors to
// dispatcher shutdown or caller cancellation.
func (d *Dispatcher) classify(ctx context.Context, err error) opserr.Kind {
	if errors.Is(err, opserr.ErrSessionUnavailable) {
		return opserr.KindSessionFatal
	}
	if ctx.Err() != nil {
		if d.ctx.Err() != nil {
			return opserr.KindClosed
		}
		return opserr.KindCanceled
	}
	return d.classifier.Classify(err)
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := d.clock.Timer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitSession returns a usable session. While the connection is merely
// suspended it waits up to ConnectionWait and then reports connection loss,
// which the retry policy handles. Once the session is lost it waits up to
// SessionWait for a replacement and then fails as session-fatal.
func (d *Dispatcher) awaitSession(ctx context.Context, deadline time.Time) (*connstate.Session, error) {
	now := d.clock.Now()
	connWait := d.cfg.ConnectionWait
	if remaining := deadline.Sub(now); remaining < connWait {
		connWait = remaining
	}
	connTimer := d.clock.Timer(connWait)
	defer connTimer.Stop()

	var sessionExpired <-chan time.Time
	for {
		state, sess, changed := d.conn.Snapshot()
		if sess != nil && d.conn.Usable(state) {
			return sess, nil
		}

		if sessionExpired == nil && d.replacing(state, sess) {
			t := d.clock.Timer(d.cfg.SessionWait)
			defer t.Stop()
			sessionExpired = t.C
		}

		select {
		case <-changed:
		case <-connTimer.C:
			if sessionExpired == nil {
				return nil, service.ErrConnectionLoss
			}
		case <-sessionExpired:
			return nil, opserr.ErrSessionUnavailable
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// replacing reports whether the previous session is gone: the state is
// LOST, or NONE after at least one session existed and before its
// replacement connected.
func (d *Dispatcher) replacing(state connstate.State, sess *connstate.Session) bool {
	switch state {
	case connstate.StateLost:
		return true
	case connstate.StateNone:
		if sess == nil {
			return d.conn.InstanceIndex() > 0
		}
		return sess.Generation > 1
	default:
		return false
	}
}
