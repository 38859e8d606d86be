// Package framework is the caller-facing API: a Client that owns the
// session and the dispatch pipeline, and immutable builders that validate,
// compress and submit operations and transactions.
package framework

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/AltairaLabs/keeper/internal/compress"
	"github.com/AltairaLabs/keeper/internal/config"
	"github.com/AltairaLabs/keeper/internal/connstate"
	"github.com/AltairaLabs/keeper/internal/dispatch"
	"github.com/AltairaLabs/keeper/internal/opserr"
	"github.com/AltairaLabs/keeper/internal/retry"
	"github.com/AltairaLabs/keeper/internal/service"
	"github.com/AltairaLabs/keeper/internal/tracer"
)

var (
	// ErrEmptyTransaction rejects a commit with no sub-operations.
	ErrEmptyTransaction = errors.New("transaction has no operations")
	// ErrPayloadTooLarge rejects a payload above the configured limit,
	// measured after compression.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

type options struct {
	logger      *slog.Logger
	clock       clock.Clock
	tracer      tracer.Driver
	compression compress.Provider
	retry       retry.Policy
	ensemble    connstate.EnsembleProvider
	namespace   *string
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the logger for the client and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces the clock used for timers.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTracer sets the trace driver.
func WithTracer(d tracer.Driver) Option {
	return func(o *options) { o.tracer = d }
}

// WithCompression sets the provider used by Compressed() and
// Decompressed(), overriding the configured codec.
func WithCompression(p compress.Provider) Option {
	return func(o *options) { o.compression = p }
}

// WithRetryPolicy replaces the configured retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.retry = p }
}

// WithEnsembleProvider replaces the configured connection string.
func WithEnsembleProvider(e connstate.EnsembleProvider) Option {
	return func(o *options) { o.ensemble = e }
}

// WithNamespace overrides the configured namespace.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = &ns }
}

// Client is a connection to the coordination service with a managed
// session and a background dispatch pipeline.
type Client struct {
	namespace   string
	ensure      *dispatch.EnsurePath
	maxPayload  int
	compression compress.Provider
	logger      *slog.Logger

	manager    *connstate.Manager
	dispatcher *dispatch.Dispatcher
	guaranteed *guaranteedDeletes
}

// New builds a client from cfg. Sessions are created by connector once
// Start is called.
func New(cfg config.Config, connector service.Connector, opts ...Option) (*Client, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.namespace != nil {
		cfg.Namespace = *o.namespace
	}
	cfg.Namespace = strings.Trim(cfg.Namespace, "/")
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if connector == nil {
		return nil, errors.New("framework: no connector")
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.compression == nil {
		p, err := compress.ByName(cfg.Compression.Codec)
		if err != nil {
			return nil, err
		}
		o.compression = p
	}
	if o.retry == nil {
		o.retry = cfg.Retry
	}
	if o.ensemble == nil {
		o.ensemble = connstate.FixedEnsemble(cfg.Endpoints())
	}
	classifier, err := cfg.Errors.Classifier()
	if err != nil {
		return nil, err
	}

	manager := connstate.New(connstate.Config{
		Connector:         connector,
		Ensemble:          o.ensemble,
		SessionTimeout:    cfg.Session.Timeout,
		ConnectionTimeout: cfg.Session.ConnectionTimeout,
		CanBeReadOnly:     cfg.Session.CanBeReadOnly,
		Reconnect: retry.BoundedExponentialBackoff(
			cfg.Session.ReconnectInterval, cfg.Session.ReconnectMaxInterval, retry.MaxExponentialRetries),
		Clock:  o.clock,
		Tracer: o.tracer,
		Logger: o.logger.With("component", "connstate"),
	})

	dispatcher := dispatch.New(dispatch.Config{
		DispatchConfig: cfg.Dispatch,
		Connection:     manager,
		Retry:          o.retry,
		Classifier:     &classifier,
		Clock:          o.clock,
		Tracer:         o.tracer,
		Logger:         o.logger.With("component", "dispatch"),
	})

	c := &Client{
		namespace:   cfg.Namespace,
		maxPayload:  cfg.MaxPayloadSize,
		compression: o.compression,
		logger:      o.logger,
		manager:     manager,
		dispatcher:  dispatcher,
	}
	if c.namespace != "" {
		c.ensure = dispatch.NewEnsurePath("/"+c.namespace, service.OpenACL())
	}
	c.guaranteed = newGuaranteedDeletes(c, o.clock, config.DefaultGuaranteedDeleteInterval)
	manager.AddListener(c.guaranteed)
	return c, nil
}

// Start begins session management and dispatch.
func (c *Client) Start(ctx context.Context) error {
	c.dispatcher.Start()
	if err := c.manager.Start(ctx); err != nil {
		c.dispatcher.Close()
		return err
	}
	c.guaranteed.start()
	c.logger.Info("Client started", "namespace", c.namespace)
	return nil
}

// Close fails pending operations and closes the session.
func (c *Client) Close() error {
	c.guaranteed.stop()
	c.dispatcher.Close()
	err := c.manager.Close()
	c.logger.Info("Client closed")
	return err
}

// State returns the current connection state.
func (c *Client) State() connstate.State {
	return c.manager.CurrentState()
}

// BlockUntilConnected waits for a usable connection. A non-positive
// timeout waits until ctx ends.
func (c *Client) BlockUntilConnected(ctx context.Context, timeout time.Duration) bool {
	return c.manager.BlockUntilConnected(ctx, timeout)
}

// Session returns the current session, or nil.
func (c *Client) Session() *connstate.Session {
	return c.manager.Session()
}

// Stats returns the dispatcher counters.
func (c *Client) Stats() dispatch.Stats {
	return c.dispatcher.Stats()
}

// Listenable registers connection state listeners.
type Listenable struct {
	manager *connstate.Manager
}

// AddListener registers l and returns a function that removes it.
func (l Listenable) AddListener(listener connstate.Listener) (remove func()) {
	return l.manager.AddListener(listener)
}

// ConnectionStateListenable exposes listener registration.
func (c *Client) ConnectionStateListenable() Listenable {
	return Listenable{manager: c.manager}
}

// Watch sets a one-shot watch on path that fires on creation, deletion or
// data change, and reports whether the node currently exists.
func (c *Client) Watch(ctx context.Context, path string, w service.Watcher) (bool, error) {
	stat, err := c.Exists().UsingWatcher(w).ForPath(ctx, path)
	return stat != nil, err
}

// fixPath validates a caller path and applies the namespace.
func (c *Client) fixPath(op, path string) (string, error) {
	if err := service.ValidatePath(path); err != nil {
		return "", opserr.Validation(op, path, err)
	}
	if c.namespace == "" {
		return path, nil
	}
	return service.JoinPath("/"+c.namespace, path), nil
}

// unfixPath strips the namespace from a service path.
func (c *Client) unfixPath(path string) string {
	if c.namespace == "" {
		return path
	}
	trimmed := strings.TrimPrefix(path, "/"+c.namespace)
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// payload compresses data when asked and enforces the size limit. The
// provider sees full, the node path on the service; errors name path.
func (c *Client) payload(op, path, full string, data []byte, compressed bool) ([]byte, error) {
	if compressed {
		var err error
		if data, err = c.compression.Compress(full, data); err != nil {
			return nil, opserr.Validation(op, path, err)
		}
	}
	if len(data) > c.maxPayload {
		return nil, opserr.Validation(op, path,
			fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(data), c.maxPayload))
	}
	return data, nil
}

// watcher maps fired events back into the caller's namespace.
func (c *Client) watcher(w service.Watcher) service.Watcher {
	if w == nil || c.namespace == "" {
		return w
	}
	return func(ev service.WatchEvent) {
		ev.Path = c.unfixPath(ev.Path)
		w(ev)
	}
}

// submit queues op. Namespaced operations wait for the namespace node.
func (c *Client) submit(op *dispatch.Operation) *dispatch.Future {
	op.Ensure = c.ensure
	return c.dispatcher.Submit(op)
}
