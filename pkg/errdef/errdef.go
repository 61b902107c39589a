// Package errdef defines the user-visible error categories of the broker.
//
// Every failure that crosses a package boundary is tagged with a Kind so the
// API layer can map it to an HTTP status or gRPC code without string
// matching. Wrapping preserves the cause chain for errors.Is/errors.As.
package errdef

import (
	"errors"
	"fmt"
)

// Kind is a user-visible error category.
type Kind string

const (
	KindInvalidArgument           Kind = "invalid_argument"
	KindUnavailable               Kind = "unavailable"
	KindWorkspaceProjectionFailed Kind = "workspace_projection_failed"
	KindExecutionFailed           Kind = "execution_failed"
	KindNotFound                  Kind = "not_found"
	KindExpired                   Kind = "expired"
	KindQuotaExhausted            Kind = "quota_exhausted"
	KindInvalidTool               Kind = "invalid_tool"
	KindInvalidToolOutput         Kind = "invalid_tool_output"
	KindInternal                  Kind = "internal"
)

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kind-tagged error with a message.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a kind and context message.
// A nil err returns nil.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, walking the wrap chain.
// Untagged errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
