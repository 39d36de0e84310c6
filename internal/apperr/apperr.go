// Package apperr defines the closed set of error kinds shared by every
// component of the chat core: a single {Kind, Err} wrapper used by the
// repository, the bus, the chat service, and the gateway alike.
package apperr

import "fmt"

// Kind is a coarse classification of a failure, stable across the wire
// so clients can branch on it without parsing human-readable text.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindValidation     Kind = "validation"
	KindTransient      Kind = "transient"
	KindLifecycle      Kind = "lifecycle"
	KindFatal          Kind = "fatal"
)

// Error is the typed error returned by every public operation of C1, C2,
// C3 and C4. Op names the failing operation for logs; Err is the
// underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error. Err may be nil when the kind alone is sufficient
// (e.g. NotFound).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind. Sentinel-free by design:
// callers compare kinds, not specific error values, since the same Kind
// can originate from many operations.
func Is(err error, kind Kind) bool {
	var e *Error
	if ae, ok := err.(*Error); ok {
		e = ae
	} else if ue, ok := err.(interface{ Unwrap() error }); ok {
		return Is(ue.Unwrap(), kind)
	} else {
		return false
	}
	return e.Kind == kind
}

// Named constructors for the cases every component needs repeatedly.
func NotFound(op string, err error) *Error       { return New(KindNotFound, op, err) }
func Conflict(op string, err error) *Error       { return New(KindConflict, op, err) }
func Validation(op string, err error) *Error     { return New(KindValidation, op, err) }
func Authorization(op string, err error) *Error  { return New(KindAuthorization, op, err) }
func Authentication(op string, err error) *Error { return New(KindAuthentication, op, err) }
func Transient(op string, err error) *Error      { return New(KindTransient, op, err) }
func Lifecycle(op string, err error) *Error      { return New(KindLifecycle, op, err) }
func Fatal(op string, err error) *Error          { return New(KindFatal, op, err) }
