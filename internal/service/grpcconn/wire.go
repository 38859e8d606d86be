// Package grpcconn relays the service boundary over gRPC. A process that
// owns the real ensemble connection registers a Server in front of any
// service.Connector; remote clients use Connector to open sessions through
// it. Messages are JSON encoded with a codec registered under the
// "keeper-json" content subtype.
package grpcconn

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/encoding"

	"github.com/AltairaLabs/keeper/internal/service"
)

const codecName = "keeper-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return codecName }

type ConnectRequest struct {
	Endpoints        []string `json:"endpoints"`
	SessionTimeoutMs int64    `json:"session_timeout_ms"`
}

type ConnectResponse struct {
	Handle    string `json:"handle"`
	SessionID int64  `json:"session_id"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// WireOp is one operation as carried by Execute and Multi.
type WireOp struct {
	Kind    service.OpKind     `json:"kind"`
	Path    string             `json:"path"`
	Data    []byte             `json:"data,omitempty"`
	Version int32              `json:"version"`
	Mode    service.CreateMode `json:"mode,omitempty"`
	ACL     []service.ACL      `json:"acl,omitempty"`
}

// WireError carries a boundary failure without losing its code. Index is
// the failing sub-operation when Aborted is set.
type WireError struct {
	Code    service.Code `json:"code"`
	Path    string       `json:"path,omitempty"`
	Aborted bool         `json:"aborted,omitempty"`
	Index   int          `json:"index"`
}

type ExecuteRequest struct {
	Handle string `json:"handle"`
	Op     WireOp `json:"op"`
}

type ExecuteResponse struct {
	Path     string        `json:"path,omitempty"`
	Data     []byte        `json:"data,omitempty"`
	Stat     *service.Stat `json:"stat,omitempty"`
	Children []string      `json:"children,omitempty"`
	Error    *WireError    `json:"error,omitempty"`
}

type MultiRequest struct {
	Handle string   `json:"handle"`
	Ops    []WireOp `json:"ops"`
}

type WireResult struct {
	Kind service.OpKind `json:"kind"`
	Path string         `json:"path"`
	Stat *service.Stat  `json:"stat,omitempty"`
	Code service.Code   `json:"code"`
}

type MultiResponse struct {
	Results []WireResult `json:"results"`
	Error   *WireError   `json:"error,omitempty"`
}

type WatchRequest struct {
	Handle  string            `json:"handle"`
	WatchID string            `json:"watch_id"`
	Path    string            `json:"path"`
	Kind    service.WatchKind `json:"kind"`
}

type WatchResponse struct {
	Error *WireError `json:"error,omitempty"`
}

type CloseRequest struct {
	Handle string `json:"handle"`
}

type CloseResponse struct{}

type EventsRequest struct {
	Handle string `json:"handle"`
}

// WireEvent is either a session event or a fired watch, told apart by
// WatchID.
type WireEvent struct {
	Kind      service.EventKind      `json:"kind,omitempty"`
	SessionID int64                  `json:"session_id,omitempty"`
	TimeoutMs int64                  `json:"timeout_ms,omitempty"`
	Code      service.Code           `json:"code,omitempty"`
	WatchID   string                 `json:"watch_id,omitempty"`
	WatchType service.WatchEventType `json:"watch_type,omitempty"`
	Path      string                 `json:"path,omitempty"`
}

func toWireOp(op service.Op) (WireOp, error) {
	switch r := op.(type) {
	case service.CreateRequest:
		return WireOp{Kind: service.OpCreate, Path: r.Path, Data: r.Data, Mode: r.Mode, ACL: r.ACL}, nil
	case service.DeleteRequest:
		return WireOp{Kind: service.OpDelete, Path: r.Path, Version: r.Version}, nil
	case service.SetDataRequest:
		return WireOp{Kind: service.OpSetData, Path: r.Path, Data: r.Data, Version: r.Version}, nil
	case service.GetDataRequest:
		return WireOp{Kind: service.OpGetData, Path: r.Path}, nil
	case service.ExistsRequest:
		return WireOp{Kind: service.OpExists, Path: r.Path}, nil
	case service.GetChildrenRequest:
		return WireOp{Kind: service.OpGetChildren, Path: r.Path}, nil
	case service.CheckRequest:
		return WireOp{Kind: service.OpCheck, Path: r.Path, Version: r.Version}, nil
	default:
		return WireOp{}, fmt.Errorf("unsupported operation %T", op)
	}
}

func fromWireOp(w WireOp) (service.Op, error) {
	switch w.Kind {
	case service.OpCreate:
		return service.CreateRequest{Path: w.Path, Data: w.Data, Mode: w.Mode, ACL: w.ACL}, nil
	case service.OpDelete:
		return service.DeleteRequest{Path: w.Path, Version: w.Version}, nil
	case service.OpSetData:
		return service.SetDataRequest{Path: w.Path, Data: w.Data, Version: w.Version}, nil
	case service.OpGetData:
		return service.GetDataRequest{Path: w.Path}, nil
	case service.OpExists:
		return service.ExistsRequest{Path: w.Path}, nil
	case service.OpGetChildren:
		return service.GetChildrenRequest{Path: w.Path}, nil
	case service.OpCheck:
		return service.CheckRequest{Path: w.Path, Version: w.Version}, nil
	default:
		return nil, fmt.Errorf("unsupported operation kind %d", w.Kind)
	}
}

// toWireError encodes err; nil stays nil.
func toWireError(err error, path string) *WireError {
	if err == nil {
		return nil
	}
	w := &WireError{Path: path}
	var me *service.MultiError
	if errors.As(err, &me) {
		w.Aborted = true
		w.Index = me.Index
	}
	w.Code, _ = service.CodeOf(err)
	var se *service.Error
	if errors.As(err, &se) && se.Path != "" {
		w.Path = se.Path
	}
	return w
}

func (w *WireError) err() error {
	if w == nil {
		return nil
	}
	return service.NewError(w.Code, w.Path)
}

func toWireResults(results []service.OpResult) []WireResult {
	out := make([]WireResult, len(results))
	for i, r := range results {
		code, _ := service.CodeOf(r.Err)
		out[i] = WireResult{Kind: r.Kind, Path: r.Path, Stat: r.Stat, Code: code}
	}
	return out
}

func fromWireResults(results []WireResult) []service.OpResult {
	out := make([]service.OpResult, len(results))
	for i, r := range results {
		out[i] = service.OpResult{Kind: r.Kind, Path: r.Path, Stat: r.Stat}
		if r.Code != service.CodeOK {
			out[i].Err = service.NewError(r.Code, r.Path)
		}
	}
	return out
}
