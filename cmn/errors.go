package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the error taxonomy of §7: a small, closed set of error categories
// that every component surfaces instead of ad-hoc error types. Composition
// wraps with github.com/pkg/errors so the underlying cause chain survives
// across component boundaries.
type Kind string

const (
	KindValidation Kind = "validation"
	KindIntegrity  Kind = "integrity"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindStorage    Kind = "storage"
	KindCatalog    Kind = "catalog"
	KindExhausted  Kind = "exhausted"
	KindInternal   Kind = "internal"
)

// Error is the concrete carrier of a Kind plus a human string and an
// optional wrapped cause. It never carries a stack trace into a response
// body; the wrapped cause (Unwrap) is for logs only.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a Kind-tagged error with no cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an underlying cause, preserving the
// cause chain via github.com/pkg/errors.Wrap for %+v stack formatting in
// logs (never surfaced to callers).
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: errors.Wrap(cause, "")}
}

// KindOf extracts the Kind from err, walking the cause chain, defaulting to
// KindInternal for errors that never opted into the taxonomy (a programmer
// error, not a policy decision).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsIntegrity reports whether err (or a wrapped cause) carries KindIntegrity.
// Integrity failures are never silently repaired; callers use this to
// decide whether to surface rather than retry.
func IsIntegrity(err error) bool { return KindOf(err) == KindIntegrity }
