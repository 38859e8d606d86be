package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code is a result code reported by the coordination service. The numeric
// values follow the service's wire protocol so adapters can pass them through.
type Code int32

const (
	CodeOK                   Code = 0
	CodeSystemError          Code = -1
	CodeRuntimeInconsistency Code = -2
	CodeDataInconsistency    Code = -3
	CodeConnectionLoss       Code = -4
	CodeMarshallingError     Code = -5
	CodeUnimplemented        Code = -6
	CodeOperationTimeout     Code = -7
	CodeBadArguments         Code = -8
	CodeInvalidState         Code = -9

	CodeAPIError                Code = -100
	CodeNoNode                  Code = -101
	CodeNoAuth                  Code = -102
	CodeBadVersion              Code = -103
	CodeNoChildrenForEphemerals Code = -108
	CodeNodeExists              Code = -110
	CodeNotEmpty                Code = -111
	CodeSessionExpired          Code = -112
	CodeInvalidCallback         Code = -113
	CodeInvalidACL              Code = -114
	CodeAuthFailed              Code = -115
	CodeClosing                 Code = -116
	CodeNothing                 Code = -117
	CodeSessionMoved            Code = -118
	CodeNotReadOnly             Code = -119
)

var codeNames = map[Code]string{
	CodeOK:                      "ok",
	CodeSystemError:             "system error",
	CodeRuntimeInconsistency:    "runtime inconsistency",
	CodeDataInconsistency:       "data inconsistency",
	CodeConnectionLoss:          "connection loss",
	CodeMarshallingError:        "marshalling error",
	CodeUnimplemented:           "unimplemented",
	CodeOperationTimeout:        "operation timeout",
	CodeBadArguments:            "bad arguments",
	CodeInvalidState:            "invalid state",
	CodeAPIError:                "api error",
	CodeNoNode:                  "node does not exist",
	CodeNoAuth:                  "not authenticated",
	CodeBadVersion:              "version conflict",
	CodeNoChildrenForEphemerals: "ephemeral nodes may not have children",
	CodeNodeExists:              "node already exists",
	CodeNotEmpty:                "node has children",
	CodeSessionExpired:          "session expired",
	CodeInvalidCallback:         "invalid callback",
	CodeInvalidACL:              "invalid acl",
	CodeAuthFailed:              "authentication failed",
	CodeClosing:                 "service is closing",
	CodeNothing:                 "no server responses to process",
	CodeSessionMoved:            "session moved",
	CodeNotReadOnly:             "not a read-only call",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int32(c))
}

var codeAliases = map[string]Code{
	"no_node":       CodeNoNode,
	"node_exists":   CodeNodeExists,
	"bad_version":   CodeBadVersion,
	"no_auth":       CodeNoAuth,
	"not_empty":     CodeNotEmpty,
	"not_read_only": CodeNotReadOnly,
	"closing":       CodeClosing,
	"system_error":  CodeSystemError,
	"runtime_error": CodeRuntimeInconsistency,
	"invalid_acl":   CodeInvalidACL,
	"bad_arguments": CodeBadArguments,
	"unimplemented": CodeUnimplemented,
	"auth_failed":   CodeAuthFailed,
	"session_moved": CodeSessionMoved,
	"no_ephemerals": CodeNoChildrenForEphemerals,
}

// ParseCode resolves a code from its short identifier ("no_node") or its
// description with spaces or underscores ("session_expired"), as used in
// config files.
func ParseCode(name string) (Code, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if c, ok := codeAliases[name]; ok {
		return c, true
	}
	name = strings.ReplaceAll(name, "_", " ")
	for c, n := range codeNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// Error is a failure reported by the service boundary.
type Error struct {
	Code Code
	Path string
}

// NewError returns an *Error for code, optionally bound to a path.
func NewError(code Code, path string) *Error {
	return &Error{Code: code, Path: path}
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "service: " + e.Code.String()
	}
	return fmt.Sprintf("service: %s: %s", e.Code, e.Path)
}

// Is matches any *Error with the same code, so the package-level sentinels
// work with errors.Is regardless of path.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Path == "" || t.Path == e.Path)
}

var (
	ErrConnectionLoss   = &Error{Code: CodeConnectionLoss}
	ErrOperationTimeout = &Error{Code: CodeOperationTimeout}
	ErrSessionExpired   = &Error{Code: CodeSessionExpired}
	ErrSessionMoved     = &Error{Code: CodeSessionMoved}
	ErrNoNode           = &Error{Code: CodeNoNode}
	ErrNodeExists       = &Error{Code: CodeNodeExists}
	ErrBadVersion       = &Error{Code: CodeBadVersion}
	ErrNoAuth           = &Error{Code: CodeNoAuth}
	ErrNotEmpty         = &Error{Code: CodeNotEmpty}
	ErrBadArguments     = &Error{Code: CodeBadArguments}
	ErrAuthFailed       = &Error{Code: CodeAuthFailed}
	ErrClosing          = &Error{Code: CodeClosing}
)

// CodeOf extracts the service code carried by err. Context deadline errors
// surface as CodeOperationTimeout since the attempt ran out of time.
func CodeOf(err error) (Code, bool) {
	if err == nil {
		return CodeOK, true
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code, true
	}
	var me *MultiError
	if errors.As(err, &me) {
		return CodeOf(me.Err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeOperationTimeout, true
	}
	return CodeSystemError, false
}

// MultiError is the single abort error of a multi-operation. Index identifies
// the sub-operation that caused the abort; no sub-operation was applied.
type MultiError struct {
	Index   int
	Err     error
	Results []OpResult
}

func (e *MultiError) Error() string {
	return fmt.Sprintf("service: multi aborted at op %d: %v", e.Index, e.Err)
}

func (e *MultiError) Unwrap() error {
	return e.Err
}
