// Package gatewayerr defines the stable error taxonomy shared by every
// gateway subsystem. Callers branch on Kind, never on message text.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Kind is a stable error code a caller may branch on.
type Kind string

// Error kinds, in rough order of caller interest.
const (
	KindValidation         Kind = "validation_error"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindUnauthenticated    Kind = "unauthenticated"
	KindForbidden          Kind = "forbidden"
	KindRateLimited        Kind = "rate_limited"
	KindRetryableTransient Kind = "retryable_transient"
	KindCursorExpired      Kind = "cursor_expired"
	KindCommandFailed      Kind = "command_failed"
	KindParseError         Kind = "parse_error"
	KindTimeout            Kind = "timeout"
	KindSystemUnavailable  Kind = "system_unavailable"
	KindInternal           Kind = "internal"
)

// Error is the typed error carried across layer boundaries.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates a lower-level error with a kind of this layer's API.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), err: err}
}

// WithDetails attaches structured detail fields, returning the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// reported as KindInternal.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// Is reports whether the error chain contains the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
