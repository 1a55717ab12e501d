package sentinel

import (
	"errors"
	"strings"
)

// Error is the sentinel error domain type.
//
// Errors coming from sentinel components should be able to be inspected as
// ([errors.As]) an *Error at some point in the error chain.
//
// Implementers of components should create an Error at the system boundary
// (e.g. when calling a cloud API or the graph backend) and intermediate
// layers should not wrap in another Error except to add additional
// [ErrorKind] information. That is to say, use [fmt.Errorf] with a "%w" verb
// in preference to creating a containing Error.
type Error struct {
	Inner   error
	Kind    ErrorKind
	Message string
	Op      string
}

// Assert this implements all the cool features.
var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Message != "" && e.Inner != nil {
		b.WriteString(": ")
	}
	if e.Op == "" && e.Message == "" {
		b.Reset()
	}
	if e.Inner != nil {
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables [errors.Is].
//
// It compares the error kind. Callers should compare against a declared
// [ErrorKind] over a specific error.
func (e *Error) Is(kind error) bool {
	return errors.Is(e.Kind, kind)
}

// Unwrap enables [errors.Unwrap].
func (e *Error) Unwrap() error {
	return e.Inner
}

// ErrorKind represents classes of errors to be checked against.
//
// If an error is unsure which kind to use, ErrInternal should be used.
type ErrorKind string

// Defined error kinds.
var (
	// ErrConfig is malformed configuration or a missing required field.
	// Terminal for the affected connector; never retried.
	ErrConfig = ErrorKind("config")
	// ErrCredential is a credential that is missing, expired, or rejected.
	// Terminal for the run.
	ErrCredential = ErrorKind("credential")
	// ErrTransient is a network error, 5xx, 429, or timeout. May succeed on
	// retry within the declared budget.
	ErrTransient = ErrorKind("transient")
	// ErrEndpointMissing is an edge referencing a node that does not exist
	// in the same tenant. The edge is dropped and the run continues.
	ErrEndpointMissing = ErrorKind("endpoint missing")
	// ErrSchemaMismatch is a constraint violation reported by the graph
	// backend. Terminal for the batch.
	ErrSchemaMismatch = ErrorKind("schema mismatch")
	// ErrAlreadyRunning is a duplicate run request for a (tenant, connector)
	// that is currently running.
	ErrAlreadyRunning = ErrorKind("already running")
	// ErrCancelled is a cooperative cancel observed mid-run.
	ErrCancelled = ErrorKind("cancelled")
	// ErrEngramUnavailable is an engram buffer overflow or store error. It
	// never aborts the surrounding work.
	ErrEngramUnavailable = ErrorKind("engram unavailable")
	// ErrInternal is a non-specific internal error.
	ErrInternal = ErrorKind("internal")
	// ErrPrecondition is some precondition unfulfilled, e.g. an operation
	// issued for a tenant the context is not scoped to.
	ErrPrecondition = ErrorKind("precondition")
)

// Error implements error.
func (e ErrorKind) Error() string {
	return string(e)
}
