package grpcconn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/AltairaLabs/keeper/internal/service"
)

const (
	serviceName   = "keeper.v1.Coordination"
	eventsMethod  = "/" + serviceName + "/Events"
	watchBuffer   = 64
	closeDeadline = 5 * time.Second
)

// CoordinationServer is the handler set behind the Coordination service.
type CoordinationServer interface {
	Connect(context.Context, *ConnectRequest) (*ConnectResponse, error)
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	Multi(context.Context, *MultiRequest) (*MultiResponse, error)
	Watch(context.Context, *WatchRequest) (*WatchResponse, error)
	CloseSession(context.Context, *CloseRequest) (*CloseResponse, error)
	Events(*EventsRequest, grpc.ServerStream) error
}

func unary[Req, Resp any](name string, call func(CoordinationServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CoordinationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CoordinationServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CoordinationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Connect", CoordinationServer.Connect),
		unary("Execute", CoordinationServer.Execute),
		unary("Multi", CoordinationServer.Multi),
		unary("Watch", CoordinationServer.Watch),
		unary("Close", CoordinationServer.CloseSession),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Events",
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(EventsRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(CoordinationServer).Events(in, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "keeper/v1/coordination",
}

// relaySession is one backend session held on behalf of a remote client.
type relaySession struct {
	conn    service.Conn
	events  <-chan service.Event
	watches chan WireEvent
	done    chan struct{}
	once    sync.Once
}

func (r *relaySession) close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.conn.Close()
	})
	return err
}

// Server relays sessions of a backend connector to remote clients.
type Server struct {
	backend service.Connector
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*relaySession
}

// Register exposes backend on s and returns the relay.
func Register(s *grpc.Server, backend service.Connector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		backend:  backend,
		logger:   logger,
		sessions: make(map[string]*relaySession),
	}
	s.RegisterService(&serviceDesc, srv)
	return srv
}

// Sessions is the number of relayed sessions currently open.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) lookup(handle string) (*relaySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[handle]
	if !ok {
		return nil, errUnknownHandle
	}
	return sess, nil
}

func (s *Server) drop(handle string) {
	s.mu.Lock()
	sess, ok := s.sessions[handle]
	delete(s.sessions, handle)
	s.mu.Unlock()
	if ok {
		if err := sess.close(); err != nil {
			s.logger.Debug("Error closing relayed session", "handle", handle, "error", err)
		}
	}
}

func (s *Server) Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error) {
	timeout := time.Duration(req.SessionTimeoutMs) * time.Millisecond
	// The session outlives the RPC.
	conn, events, err := s.backend.Connect(context.WithoutCancel(ctx), req.Endpoints, timeout)
	if err != nil {
		code, _ := service.CodeOf(err)
		if code == service.CodeConnectionLoss {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	handle := uuid.NewString()
	s.mu.Lock()
	s.sessions[handle] = &relaySession{
		conn:    conn,
		events:  events,
		watches: make(chan WireEvent, watchBuffer),
		done:    make(chan struct{}),
	}
	s.mu.Unlock()

	s.logger.Info("Relayed session opened", "handle", handle, "session_id", conn.SessionID())
	return &ConnectResponse{
		Handle:    handle,
		SessionID: conn.SessionID(),
		TimeoutMs: conn.Timeout().Milliseconds(),
	}, nil
}

func (s *Server) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	sess, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	op, err := fromWireOp(req.Op)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	resp := &ExecuteResponse{}
	switch r := op.(type) {
	case service.CreateRequest:
		resp.Path, err = sess.conn.Create(ctx, r)
	case service.DeleteRequest:
		err = sess.conn.Delete(ctx, r)
	case service.SetDataRequest:
		resp.Stat, err = sess.conn.SetData(ctx, r)
	case service.GetDataRequest:
		resp.Data, resp.Stat, err = sess.conn.GetData(ctx, r)
	case service.ExistsRequest:
		resp.Stat, err = sess.conn.Exists(ctx, r)
	case service.GetChildrenRequest:
		resp.Children, resp.Stat, err = sess.conn.GetChildren(ctx, r)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "%s is only valid inside multi", op.Kind())
	}
	resp.Error = toWireError(err, op.OpPath())
	return resp, nil
}

func (s *Server) Multi(ctx context.Context, req *MultiRequest) (*MultiResponse, error) {
	sess, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	ops := make([]service.Op, len(req.Ops))
	for i, w := range req.Ops {
		if ops[i], err = fromWireOp(w); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	results, err := sess.conn.Multi(ctx, ops...)
	if err != nil {
		resp := &MultiResponse{Error: toWireError(err, "")}
		var me *service.MultiError
		if errors.As(err, &me) {
			resp.Results = toWireResults(me.Results)
		}
		return resp, nil
	}
	return &MultiResponse{Results: toWireResults(results)}, nil
}

func (s *Server) Watch(ctx context.Context, req *WatchRequest) (*WatchResponse, error) {
	sess, err := s.lookup(req.Handle)
	if err != nil {
		return nil, err
	}
	err = sess.conn.RegisterWatch(ctx, req.Path, req.Kind, func(ev service.WatchEvent) {
		select {
		case sess.watches <- WireEvent{WatchID: req.WatchID, WatchType: ev.Type, Path: ev.Path}:
		case <-sess.done:
		}
	})
	return &WatchResponse{Error: toWireError(err, req.Path)}, nil
}

func (s *Server) CloseSession(_ context.Context, req *CloseRequest) (*CloseResponse, error) {
	s.drop(req.Handle)
	s.logger.Info("Relayed session closed", "handle", req.Handle)
	return &CloseResponse{}, nil
}

// Events streams session events and fired watches until the backend
// session ends or the client goes away.
func (s *Server) Events(req *EventsRequest, stream grpc.ServerStream) error {
	sess, err := s.lookup(req.Handle)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	for {
		var out WireEvent
		select {
		case ev, ok := <-sess.events:
			if !ok {
				s.drop(req.Handle)
				return nil
			}
			out = WireEvent{
				Kind:      ev.Kind,
				SessionID: ev.SessionID,
				TimeoutMs: ev.Timeout.Milliseconds(),
			}
			if ev.Err != nil {
				out.Code, _ = service.CodeOf(ev.Err)
			}
		case out = <-sess.watches:
		case <-sess.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := stream.SendMsg(&out); err != nil {
			return err
		}
	}
}
