package grpcconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AltairaLabs/keeper/internal/service"
)

// Connector opens sessions through a remote relay. It implements
// service.Connector.
type Connector struct {
	cc     *grpc.ClientConn
	logger *slog.Logger
}

// NewConnector creates a client for the relay at target. The connection is
// established lazily. Extra dial options are applied after the defaults, so
// callers can replace the transport credentials or the dialer.
func NewConnector(target string, logger *slog.Logger, opts ...grpc.DialOption) (*Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay client: %w", err)
	}
	return &Connector{cc: cc, logger: logger}, nil
}

// Close releases the underlying gRPC connection.
func (c *Connector) Close() error {
	return c.cc.Close()
}

func (c *Connector) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out)
}

// Connect opens a relayed session and subscribes to its events.
func (c *Connector) Connect(ctx context.Context, endpoints []string, sessionTimeout time.Duration) (service.Conn, <-chan service.Event, error) {
	var resp ConnectResponse
	err := c.invoke(ctx, "Connect", &ConnectRequest{
		Endpoints:        endpoints,
		SessionTimeoutMs: sessionTimeout.Milliseconds(),
	}, &resp)
	if err != nil {
		return nil, nil, fromStatus(err, "")
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := c.cc.NewStream(streamCtx, &serviceDesc.Streams[0], eventsMethod)
	if err == nil {
		err = stream.SendMsg(&EventsRequest{Handle: resp.Handle})
	}
	if err == nil {
		err = stream.CloseSend()
	}
	if err != nil {
		cancel()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), closeDeadline)
		defer closeCancel()
		_ = c.invoke(closeCtx, "Close", &CloseRequest{Handle: resp.Handle}, &CloseResponse{})
		return nil, nil, fromStatus(err, "")
	}

	conn := &Conn{
		connector: c,
		handle:    resp.Handle,
		sessionID: resp.SessionID,
		timeout:   time.Duration(resp.TimeoutMs) * time.Millisecond,
		cancel:    cancel,
		watchers:  make(map[string]service.Watcher),
	}
	out := make(chan service.Event, watchBuffer)
	go conn.receive(stream, out)
	c.logger.Debug("Relayed session opened", "handle", resp.Handle, "session_id", resp.SessionID)
	return conn, out, nil
}

// Conn is a session held by the relay.
type Conn struct {
	connector *Connector
	handle    string
	sessionID int64
	timeout   time.Duration
	cancel    context.CancelFunc

	mu       sync.Mutex
	watchers map[string]service.Watcher
	closed   bool
}

// receive forwards session events and dispatches fired watches until the
// stream ends. A broken stream is reported as a disconnect.
func (c *Conn) receive(stream grpc.ClientStream, out chan<- service.Event) {
	defer close(out)
	for {
		var ev WireEvent
		err := stream.RecvMsg(&ev)
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.isClosed() {
				c.connector.logger.Warn("Relay event stream failed", "handle", c.handle, "error", err)
				out <- service.Event{Kind: service.EventDisconnected, SessionID: c.sessionID, Err: fromStatus(err, "")}
			}
			return
		}
		if ev.WatchID != "" {
			c.fire(ev)
			continue
		}
		mapped := service.Event{
			Kind:      ev.Kind,
			SessionID: ev.SessionID,
			Timeout:   time.Duration(ev.TimeoutMs) * time.Millisecond,
		}
		if ev.Code != service.CodeOK {
			mapped.Err = service.NewError(ev.Code, "")
		}
		out <- mapped
	}
}

func (c *Conn) fire(ev WireEvent) {
	c.mu.Lock()
	w, ok := c.watchers[ev.WatchID]
	delete(c.watchers, ev.WatchID)
	c.mu.Unlock()
	if ok {
		w(service.WatchEvent{Type: ev.WatchType, Path: ev.Path})
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) SessionID() int64 { return c.sessionID }

func (c *Conn) Timeout() time.Duration { return c.timeout }

func (c *Conn) execute(ctx context.Context, op service.Op) (*ExecuteResponse, error) {
	w, err := toWireOp(op)
	if err != nil {
		return nil, service.NewError(service.CodeBadArguments, op.OpPath())
	}
	var resp ExecuteResponse
	if err := c.connector.invoke(ctx, "Execute", &ExecuteRequest{Handle: c.handle, Op: w}, &resp); err != nil {
		return nil, fromStatus(err, op.OpPath())
	}
	if resp.Error != nil {
		return nil, resp.Error.err()
	}
	return &resp, nil
}

func (c *Conn) Create(ctx context.Context, req service.CreateRequest) (string, error) {
	resp, err := c.execute(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Path, nil
}

func (c *Conn) Delete(ctx context.Context, req service.DeleteRequest) error {
	_, err := c.execute(ctx, req)
	return err
}

func (c *Conn) SetData(ctx context.Context, req service.SetDataRequest) (*service.Stat, error) {
	resp, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Stat, nil
}

func (c *Conn) GetData(ctx context.Context, req service.GetDataRequest) ([]byte, *service.Stat, error) {
	resp, err := c.execute(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return resp.Data, resp.Stat, nil
}

func (c *Conn) Exists(ctx context.Context, req service.ExistsRequest) (*service.Stat, error) {
	resp, err := c.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Stat, nil
}

func (c *Conn) GetChildren(ctx context.Context, req service.GetChildrenRequest) ([]string, *service.Stat, error) {
	resp, err := c.execute(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return resp.Children, resp.Stat, nil
}

func (c *Conn) Multi(ctx context.Context, ops ...service.Op) ([]service.OpResult, error) {
	req := &MultiRequest{Handle: c.handle, Ops: make([]WireOp, len(ops))}
	for i, op := range ops {
		w, err := toWireOp(op)
		if err != nil {
			return nil, &service.MultiError{Index: i, Err: service.NewError(service.CodeBadArguments, op.OpPath())}
		}
		req.Ops[i] = w
	}

	var resp MultiResponse
	if err := c.connector.invoke(ctx, "Multi", req, &resp); err != nil {
		return nil, fromStatus(err, "")
	}
	results := fromWireResults(resp.Results)
	if resp.Error == nil {
		return results, nil
	}
	if !resp.Error.Aborted {
		return nil, resp.Error.err()
	}
	return nil, &service.MultiError{Index: resp.Error.Index, Err: resp.Error.err(), Results: results}
}

func (c *Conn) RegisterWatch(ctx context.Context, path string, kind service.WatchKind, w service.Watcher) error {
	id := uuid.NewString()
	c.mu.Lock()
	c.watchers[id] = w
	c.mu.Unlock()

	var resp WatchResponse
	err := c.connector.invoke(ctx, "Watch", &WatchRequest{Handle: c.handle, WatchID: id, Path: path, Kind: kind}, &resp)
	if err == nil && resp.Error != nil {
		err = resp.Error.err()
	} else if err != nil {
		err = fromStatus(err, path)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
	return err
}

// Close ends the relayed session and its event stream.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeDeadline)
	defer cancel()
	err := c.connector.invoke(ctx, "Close", &CloseRequest{Handle: c.handle}, &CloseResponse{})
	c.cancel()
	if err != nil {
		return fromStatus(err, "")
	}
	return nil
}
