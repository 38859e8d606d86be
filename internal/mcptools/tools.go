package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AltairaLabs/keeper/internal/config"
	"github.com/AltairaLabs/keeper/internal/dispatch"
	"github.com/AltairaLabs/keeper/internal/framework"
	"github.com/AltairaLabs/keeper/internal/opserr"
	"github.com/AltairaLabs/keeper/internal/service"
)

var modes = []service.CreateMode{
	service.ModePersistent,
	service.ModeEphemeral,
	service.ModePersistentSequential,
	service.ModeEphemeralSequential,
	service.ModeContainer,
}

func modeNames() []string {
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = m.String()
	}
	return names
}

func parseMode(name string) (service.CreateMode, error) {
	if name == "" {
		return service.ModePersistent, nil
	}
	for _, m := range modes {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown create mode %q", name)
}

// NodeResponse is returned by the node tools
type NodeResponse struct {
	Path     string        `json:"path"`
	Exists   *bool         `json:"exists,omitempty"`
	Data     *string       `json:"data,omitempty"`
	Stat     *service.Stat `json:"stat,omitempty"`
	Children []string      `json:"children,omitempty"`
}

// TransactionOp is one element of the node.transaction ops argument
type TransactionOp struct {
	Op      string `json:"op"`
	Path    string `json:"path"`
	Data    string `json:"data"`
	Version *int32 `json:"version"`
}

// TransactionResponse lists the committed sub-operations
type TransactionResponse struct {
	Results []TransactionResult `json:"results"`
}

type TransactionResult struct {
	Op   string        `json:"op"`
	Path string        `json:"path"`
	Stat *service.Stat `json:"stat,omitempty"`
}

// StateResponse is returned by connection.state
type StateResponse struct {
	State      string         `json:"state"`
	SessionID  int64          `json:"session_id,omitempty"`
	Generation int64          `json:"generation,omitempty"`
	Stats      dispatch.Stats `json:"stats"`
}

// toolError renders a failed operation, keeping the kind and failing
// sub-operation visible to the caller.
func toolError(tool string, err error) *mcp.CallToolResult {
	var oe *opserr.Error
	if errors.As(err, &oe) {
		if oe.Kind == opserr.KindTransactionAbort {
			return mcp.NewToolResultError(fmt.Sprintf("%s failed (%s, op %d): %v", tool, oe.Kind, oe.SubOp, err))
		}
		return mcp.NewToolResultError(fmt.Sprintf("%s failed (%s): %v", tool, oe.Kind, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", tool, err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func versionArg(request mcp.CallToolRequest) int32 {
	return int32(request.GetInt("version", int(service.AnyVersion)))
}

// handleCreate implements the node.create tool
func (s *Server) handleCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	mode, err := parseMode(request.GetString("mode", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	b := s.client.Create().WithMode(mode)
	if request.GetBool("compressed", false) {
		b = b.Compressed()
	}
	if request.GetBool("parents", false) {
		b = b.CreatingParentsIfNeeded()
	}
	created, err := b.ForPath(ctx, path, []byte(request.GetString("data", "")))
	if err != nil {
		return toolError(config.ToolNodeCreate, err), nil
	}
	s.logger.Info("Node created via tool", "path", created, "mode", mode.String())
	return jsonResult(NodeResponse{Path: created})
}

// handleGet implements the node.get tool
func (s *Server) handleGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var stat service.Stat
	b := s.client.GetData().StoringStatIn(&stat)
	if request.GetBool("decompress", false) {
		b = b.Decompressed()
	}
	data, err := b.ForPath(ctx, path)
	if err != nil {
		return toolError(config.ToolNodeGet, err), nil
	}
	text := string(data)
	return jsonResult(NodeResponse{Path: path, Data: &text, Stat: &stat})
}

// handleSet implements the node.set tool
func (s *Server) handleSet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := request.RequireString("data")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	b := s.client.SetData().WithVersion(versionArg(request))
	if request.GetBool("compressed", false) {
		b = b.Compressed()
	}
	stat, err := b.ForPath(ctx, path, []byte(data))
	if err != nil {
		return toolError(config.ToolNodeSet, err), nil
	}
	return jsonResult(NodeResponse{Path: path, Stat: stat})
}

// handleDelete implements the node.delete tool
func (s *Server) handleDelete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	b := s.client.Delete().WithVersion(versionArg(request))
	if request.GetBool("children", false) {
		b = b.DeletingChildrenIfNeeded()
	}
	if request.GetBool("guaranteed", false) {
		b = b.Guaranteed()
	}
	if err := b.ForPath(ctx, path); err != nil {
		return toolError(config.ToolNodeDelete, err), nil
	}
	s.logger.Info("Node deleted via tool", "path", path)
	return jsonResult(NodeResponse{Path: path})
}

// handleExists implements the node.exists tool
func (s *Server) handleExists(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	stat, err := s.client.Exists().ForPath(ctx, path)
	if err != nil {
		return toolError(config.ToolNodeExists, err), nil
	}
	exists := stat != nil
	return jsonResult(NodeResponse{Path: path, Exists: &exists, Stat: stat})
}

// handleChildren implements the node.children tool
func (s *Server) handleChildren(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	children, err := s.client.GetChildren().ForPath(ctx, path)
	if err != nil {
		return toolError(config.ToolNodeChildren, err), nil
	}
	if children == nil {
		children = []string{}
	}
	return jsonResult(NodeResponse{Path: path, Children: children})
}

// handleTransaction implements the node.transaction tool
func (s *Server) handleTransaction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Ops []TransactionOp `json:"ops"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid ops: %v", err)), nil
	}

	txn := s.client.InTransaction()
	for i, op := range args.Ops {
		var opts []framework.TxnOption
		if op.Version != nil {
			opts = append(opts, framework.WithVersion(*op.Version))
		}
		switch op.Op {
		case "create":
			txn = txn.Create(op.Path, []byte(op.Data), opts...)
		case "delete":
			txn = txn.Delete(op.Path, opts...)
		case "set":
			txn = txn.SetData(op.Path, []byte(op.Data), opts...)
		case "check":
			version := service.AnyVersion
			if op.Version != nil {
				version = *op.Version
			}
			txn = txn.Check(op.Path, version)
		default:
			return mcp.NewToolResultError(fmt.Sprintf("op %d: unknown operation %q", i, op.Op)), nil
		}
	}

	results, err := txn.Commit(ctx)
	if err != nil {
		return toolError(config.ToolNodeTransaction, err), nil
	}
	resp := TransactionResponse{Results: make([]TransactionResult, len(results))}
	for i, r := range results {
		resp.Results[i] = TransactionResult{Op: args.Ops[i].Op, Path: r.Path, Stat: r.Stat}
	}
	s.logger.Info("Transaction committed via tool", "ops", len(results))
	return jsonResult(resp)
}

// handleConnectionState implements the connection.state tool
func (s *Server) handleConnectionState(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resp := StateResponse{
		State: s.client.State().String(),
		Stats: s.client.Stats(),
	}
	if sess := s.client.Session(); sess != nil {
		resp.SessionID = sess.ID
		resp.Generation = sess.Generation
	}
	return jsonResult(resp)
}
