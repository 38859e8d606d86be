package mcptools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/AltairaLabs/keeper/internal/config"
	"github.com/AltairaLabs/keeper/internal/framework"
	"github.com/AltairaLabs/keeper/internal/retry"
	"github.com/AltairaLabs/keeper/internal/service/memory"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T) (*Server, *memory.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Connect = "memory:2181"
	cfg.Session.ConnectionTimeout = time.Second
	cfg.Retry = retry.Backoff{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffMultiplier: 2}

	backend := memory.NewServer(memory.WithLogger(quietLogger))
	client, err := framework.New(cfg, backend, framework.WithLogger(quietLogger))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if !client.BlockUntilConnected(context.Background(), 5*time.Second) {
		t.Fatal("client did not connect")
	}
	return NewServer(Config{Name: "keeper-test", Version: "1.0.0"}, client, quietLogger), backend
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := handler(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.Fatalf("%s returned error: %v", name, err)
	}
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("%s returned no content", name)
	}
	return result
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Expected text content, got %T", result.Content[0])
	}
	return text.Text
}

func decode[T any](t *testing.T, result *mcp.CallToolResult) T {
	t.Helper()
	if result.IsError {
		t.Fatalf("Expected success, got error: %s", resultText(t, result))
	}
	var v T
	if err := json.Unmarshal([]byte(resultText(t, result)), &v); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	return v
}

func TestToolsRegistered(t *testing.T) {
	s, _ := newTestServer(t)
	if diff := cmp.Diff(config.AllTools(), s.Tools()); diff != "" {
		t.Errorf("Registered tools mismatch (-want +got):\n%s", diff)
	}
}

func TestNodeLifecycle(t *testing.T) {
	s, backend := newTestServer(t)

	created := decode[NodeResponse](t, call(t, s.handleCreate, config.ToolNodeCreate, map[string]interface{}{
		"path":    "/app/config",
		"data":    "v1",
		"parents": true,
	}))
	if created.Path != "/app/config" {
		t.Errorf("Expected /app/config, got %s", created.Path)
	}

	got := decode[NodeResponse](t, call(t, s.handleGet, config.ToolNodeGet, map[string]interface{}{"path": "/app/config"}))
	if got.Data == nil || *got.Data != "v1" {
		t.Errorf("Expected data v1, got %v", got.Data)
	}
	if got.Stat == nil || got.Stat.Version != 0 {
		t.Errorf("Expected version 0, got %+v", got.Stat)
	}

	set := decode[NodeResponse](t, call(t, s.handleSet, config.ToolNodeSet, map[string]interface{}{
		"path":    "/app/config",
		"data":    "v2",
		"version": float64(0),
	}))
	if set.Stat == nil || set.Stat.Version != 1 {
		t.Errorf("Expected version 1, got %+v", set.Stat)
	}

	stale := call(t, s.handleSet, config.ToolNodeSet, map[string]interface{}{
		"path":    "/app/config",
		"data":    "v3",
		"version": float64(0),
	})
	if !stale.IsError || !strings.Contains(resultText(t, stale), "semantic") {
		t.Errorf("Expected semantic failure for stale version, got %s", resultText(t, stale))
	}

	children := decode[NodeResponse](t, call(t, s.handleChildren, config.ToolNodeChildren, map[string]interface{}{"path": "/app"}))
	if diff := cmp.Diff([]string{"config"}, children.Children); diff != "" {
		t.Errorf("Children mismatch (-want +got):\n%s", diff)
	}

	decode[NodeResponse](t, call(t, s.handleDelete, config.ToolNodeDelete, map[string]interface{}{
		"path":     "/app",
		"children": true,
	}))
	exists := decode[NodeResponse](t, call(t, s.handleExists, config.ToolNodeExists, map[string]interface{}{"path": "/app"}))
	if exists.Exists == nil || *exists.Exists {
		t.Errorf("Expected /app to be gone, got %+v", exists)
	}
	if _, ok := backend.Data("/app/config"); ok {
		t.Error("Expected /app/config to be deleted")
	}
}

func TestCompressedTool(t *testing.T) {
	s, backend := newTestServer(t)
	payload := strings.Repeat("compress me ", 40)

	decode[NodeResponse](t, call(t, s.handleCreate, config.ToolNodeCreate, map[string]interface{}{
		"path":       "/z",
		"data":       payload,
		"compressed": true,
	}))
	stored, _ := backend.Data("/z")
	if len(stored) >= len(payload) {
		t.Errorf("Expected stored data to be compressed, got %d bytes", len(stored))
	}

	got := decode[NodeResponse](t, call(t, s.handleGet, config.ToolNodeGet, map[string]interface{}{
		"path":       "/z",
		"decompress": true,
	}))
	if got.Data == nil || *got.Data != payload {
		t.Error("Expected decompressed payload to round trip")
	}
}

func TestCreateToolValidation(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing path", map[string]interface{}{}, "path"},
		{"bad mode", map[string]interface{}{"path": "/a", "mode": "forever"}, "unknown create mode"},
		{"relative path", map[string]interface{}{"path": "a"}, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := call(t, s.handleCreate, config.ToolNodeCreate, tt.args)
			if !result.IsError {
				t.Fatal("Expected error result")
			}
			if text := resultText(t, result); !strings.Contains(text, tt.want) {
				t.Errorf("Expected error containing %q, got %s", tt.want, text)
			}
		})
	}
}

func TestSequentialMode(t *testing.T) {
	s, _ := newTestServer(t)
	created := decode[NodeResponse](t, call(t, s.handleCreate, config.ToolNodeCreate, map[string]interface{}{
		"path": "/job-",
		"mode": "persistent_sequential",
	}))
	if created.Path == "/job-" || !strings.HasPrefix(created.Path, "/job-") {
		t.Errorf("Expected sequential suffix, got %s", created.Path)
	}
}

func TestTransactionTool(t *testing.T) {
	s, backend := newTestServer(t)

	resp := decode[TransactionResponse](t, call(t, s.handleTransaction, config.ToolNodeTransaction, map[string]interface{}{
		"ops": []interface{}{
			map[string]interface{}{"op": "create", "path": "/t", "data": "a"},
			map[string]interface{}{"op": "check", "path": "/t", "version": 0},
			map[string]interface{}{"op": "set", "path": "/t", "data": "b"},
		},
	}))
	if len(resp.Results) != 3 || resp.Results[0].Op != "create" || resp.Results[0].Path != "/t" {
		t.Errorf("Unexpected results: %+v", resp.Results)
	}
	if data, _ := backend.Data("/t"); string(data) != "b" {
		t.Errorf("Expected /t to hold b, got %q", data)
	}

	aborted := call(t, s.handleTransaction, config.ToolNodeTransaction, map[string]interface{}{
		"ops": []interface{}{
			map[string]interface{}{"op": "create", "path": "/u"},
			map[string]interface{}{"op": "set", "path": "/t", "data": "c", "version": 42},
		},
	})
	if !aborted.IsError || !strings.Contains(resultText(t, aborted), "op 1") {
		t.Errorf("Expected abort naming op 1, got %s", resultText(t, aborted))
	}
	if _, ok := backend.Data("/u"); ok {
		t.Error("Expected /u not to exist after abort")
	}

	unknown := call(t, s.handleTransaction, config.ToolNodeTransaction, map[string]interface{}{
		"ops": []interface{}{map[string]interface{}{"op": "rename", "path": "/t"}},
	})
	if !unknown.IsError {
		t.Error("Expected error for unknown operation")
	}

	empty := call(t, s.handleTransaction, config.ToolNodeTransaction, map[string]interface{}{"ops": []interface{}{}})
	if !empty.IsError {
		t.Error("Expected error for empty transaction")
	}
}

func TestConnectionStateTool(t *testing.T) {
	s, _ := newTestServer(t)
	call(t, s.handleExists, config.ToolNodeExists, map[string]interface{}{"path": "/"})

	resp := decode[StateResponse](t, call(t, s.handleConnectionState, config.ToolConnectionState, nil))
	if resp.State != "CONNECTED" {
		t.Errorf("Expected CONNECTED, got %s", resp.State)
	}
	if resp.SessionID == 0 || resp.Generation != 1 {
		t.Errorf("Expected first session, got id=%d generation=%d", resp.SessionID, resp.Generation)
	}
	if resp.Stats.Succeeded == 0 {
		t.Error("Expected succeeded operations to be counted")
	}
}
