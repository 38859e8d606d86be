package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path  string
		valid bool
	}{
		{"/", true},
		{"/a", true},
		{"/a/b/c", true},
		{"/a-b_c.d", true},
		{"", false},
		{"a", false},
		{"/a/", false},
		{"//a", false},
		{"/a//b", false},
		{"/a/./b", false},
		{"/a/..", false},
		{"/a\x00b", false},
		{"/a\x01b", false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.path), func(t *testing.T) {
			err := ValidatePath(tt.path)
			if tt.valid && err != nil {
				t.Errorf("Expected %q to be valid, got %v", tt.path, err)
			}
			if !tt.valid {
				if err == nil {
					t.Fatalf("Expected %q to be rejected", tt.path)
				}
				if !errors.Is(err, ErrInvalidPath) {
					t.Errorf("Expected ErrInvalidPath, got %v", err)
				}
			}
		})
	}
}

func TestPathHelpers(t *testing.T) {
	if got := JoinPath("/", "a"); got != "/a" {
		t.Errorf("Expected /a, got %s", got)
	}
	if got := JoinPath("/ns", "/a/b"); got != "/ns/a/b" {
		t.Errorf("Expected /ns/a/b, got %s", got)
	}
	if got := ParentPath("/a/b"); got != "/a" {
		t.Errorf("Expected /a, got %s", got)
	}
	if got := ParentPath("/a"); got != "/" {
		t.Errorf("Expected /, got %s", got)
	}
	if got := ParentPath("/"); got != "" {
		t.Errorf("Expected empty parent for root, got %s", got)
	}
	if got := NodeName("/a/b"); got != "b" {
		t.Errorf("Expected b, got %s", got)
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewError(CodeNoNode, "/a"))

	if !errors.Is(err, ErrNoNode) {
		t.Error("Expected wrapped error to match ErrNoNode")
	}
	if errors.Is(err, ErrNodeExists) {
		t.Error("Expected wrapped error not to match ErrNodeExists")
	}
	if !errors.Is(err, NewError(CodeNoNode, "/a")) {
		t.Error("Expected match on same code and path")
	}
	if errors.Is(err, NewError(CodeNoNode, "/b")) {
		t.Error("Expected no match on a different path")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		code  Code
		known bool
	}{
		{"nil", nil, CodeOK, true},
		{"service error", NewError(CodeBadVersion, "/a"), CodeBadVersion, true},
		{"wrapped", fmt.Errorf("x: %w", ErrConnectionLoss), CodeConnectionLoss, true},
		{"multi", &MultiError{Index: 1, Err: ErrNodeExists}, CodeNodeExists, true},
		{"deadline", context.DeadlineExceeded, CodeOperationTimeout, true},
		{"foreign", errors.New("boom"), CodeSystemError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, known := CodeOf(tt.err)
			if code != tt.code || known != tt.known {
				t.Errorf("Expected (%v, %v), got (%v, %v)", tt.code, tt.known, code, known)
			}
		})
	}
}

func TestIsWrite(t *testing.T) {
	writes := []Op{CreateRequest{}, DeleteRequest{}, SetDataRequest{}, CheckRequest{}}
	for _, op := range writes {
		if !IsWrite(op) {
			t.Errorf("Expected %v to be a write", op.Kind())
		}
	}
	reads := []Op{GetDataRequest{}, ExistsRequest{}, GetChildrenRequest{}}
	for _, op := range reads {
		if IsWrite(op) {
			t.Errorf("Expected %v not to be a write", op.Kind())
		}
	}
}

func TestCreateMode(t *testing.T) {
	if !ModeEphemeralSequential.IsEphemeral() || !ModeEphemeralSequential.IsSequential() {
		t.Error("Expected ephemeral sequential to be both ephemeral and sequential")
	}
	if ModePersistent.IsEphemeral() || ModePersistent.IsSequential() {
		t.Error("Expected persistent to be neither ephemeral nor sequential")
	}
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		name string
		code Code
		ok   bool
	}{
		{"session_expired", CodeSessionExpired, true},
		{"Connection Loss", CodeConnectionLoss, true},
		{"node_does_not_exist", CodeNoNode, true},
		{"no_node", CodeNoNode, true},
		{"no_such_code", 0, false},
	}
	for _, tt := range tests {
		code, ok := ParseCode(tt.name)
		if code != tt.code || ok != tt.ok {
			t.Errorf("ParseCode(%q): Expected (%v, %v), got (%v, %v)", tt.name, tt.code, tt.ok, code, ok)
		}
	}
}
