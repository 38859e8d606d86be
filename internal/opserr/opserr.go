// Package opserr defines the terminal error taxonomy for keeper operations
// and the classifier that maps service codes onto it.
package opserr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AltairaLabs/keeper/internal/service"
)

// Kind is the class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindRecoverable failures are retried under the retry policy and only
	// surface once it is exhausted.
	KindRecoverable
	// KindSessionFatal means the session is gone and was not replaced in time.
	KindSessionFatal
	// KindSemantic failures would fail the same way on retry.
	KindSemantic
	// KindTransactionAbort is a semantic failure of one sub-operation that
	// aborted a whole transaction.
	KindTransactionAbort
	// KindValidation is raised locally before submission.
	KindValidation
	// KindTimeout means the cumulative operation budget ran out.
	KindTimeout
	KindCanceled
	KindClosed
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindRecoverable:      "recoverable",
	KindSessionFatal:     "session_fatal",
	KindSemantic:         "semantic",
	KindTransactionAbort: "transaction_abort",
	KindValidation:       "validation",
	KindTimeout:          "timeout",
	KindCanceled:         "canceled",
	KindClosed:           "closed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind resolves a kind from its String form.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindUnknown, false
}

var (
	// ErrSessionUnavailable is the cause of session-fatal failures raised
	// when no usable session appeared within the wait bound.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrSessionChanged is the cause when an operation that must not cross
	// a session boundary observed a new session.
	ErrSessionChanged = errors.New("session changed during operation")
)

// NoSubOp marks an Error that is not tied to a transaction sub-operation.
const NoSubOp = -1

// Error is the terminal outcome of a failed operation.
type Error struct {
	Kind      Kind
	Op        string
	Path      string
	Retries   int
	SubOp     int
	SessionID int64
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("keeper: ")
	b.WriteString(e.Op)
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.SubOp >= 0 && e.Kind == KindTransactionAbort {
		fmt.Fprintf(&b, " at sub-op %d", e.SubOp)
	}
	if e.Retries > 0 {
		fmt.Fprintf(&b, " after %d retries", e.Retries)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error with no sub-operation index.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, SubOp: NoSubOp, Err: err}
}

// Validation wraps a local validation failure.
func Validation(op, path string, err error) *Error {
	return New(KindValidation, op, path, err)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Classifier maps service codes onto failure kinds. The zero value is not
// usable; start from DefaultClassifier. Classifiers are immutable.
type Classifier struct {
	classes map[service.Code]Kind
}

// DefaultClassifier returns the default mapping. Session expiry is
// session-fatal: an expired session is replaced, and replaying a write on
// the replacement could duplicate it.
func DefaultClassifier() Classifier {
	return Classifier{classes: map[service.Code]Kind{
		service.CodeConnectionLoss:   KindRecoverable,
		service.CodeOperationTimeout: KindRecoverable,
		service.CodeSessionMoved:     KindRecoverable,
		service.CodeNotReadOnly:      KindRecoverable,

		service.CodeSessionExpired: KindSessionFatal,
		service.CodeAuthFailed:     KindSessionFatal,
		service.CodeClosing:        KindSessionFatal,

		service.CodeNoNode:                  KindSemantic,
		service.CodeNodeExists:              KindSemantic,
		service.CodeBadVersion:              KindSemantic,
		service.CodeNoAuth:                  KindSemantic,
		service.CodeNotEmpty:                KindSemantic,
		service.CodeNoChildrenForEphemerals: KindSemantic,
		service.CodeInvalidACL:              KindSemantic,
		service.CodeBadArguments:            KindSemantic,
		service.CodeUnimplemented:           KindSemantic,
	}}
}

// With returns a copy of c that classifies code as kind.
func (c Classifier) With(code service.Code, kind Kind) Classifier {
	classes := make(map[service.Code]Kind, len(c.classes)+1)
	for k, v := range c.classes {
		classes[k] = v
	}
	classes[code] = kind
	return Classifier{classes: classes}
}

// ClassOf returns the kind for a service code. Unknown codes are semantic.
func (c Classifier) ClassOf(code service.Code) Kind {
	if kind, ok := c.classes[code]; ok {
		return kind
	}
	return KindSemantic
}

// Classify returns the kind of a raw boundary error. A multi-operation abort
// whose cause is semantic becomes KindTransactionAbort.
func (c Classifier) Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, service.ErrInvalidPath):
		return KindValidation
	}

	var me *service.MultiError
	if errors.As(err, &me) {
		kind := c.Classify(me.Err)
		if kind == KindSemantic {
			return KindTransactionAbort
		}
		return kind
	}

	code, known := service.CodeOf(err)
	if !known {
		return KindSemantic
	}
	return c.ClassOf(code)
}

// Recoverable reports whether err should be retried.
func (c Classifier) Recoverable(err error) bool {
	return c.Classify(err) == KindRecoverable
}
