// Package errors provides typed error handling for the finit-go init system.
//
// This package defines domain-specific error kinds that let callers classify
// failures the way the bootstrap orchestrator's error model does (config
// error vs. fatal filesystem error vs. exhausted respawn budget, etc.)
// without string matching. All errors support the standard errors.Is() and
// errors.As() functions.
package errors

import (
	"errors"
	"fmt"
)

// Kind represents the category of an error.
type Kind int

const (
	// KindNotFound indicates a named entity (service, condition, runlevel) was not found.
	KindNotFound Kind = iota
	// KindAlreadyExists indicates a resource already exists.
	KindAlreadyExists
	// KindInvalidState indicates an operation was attempted in an invalid state.
	KindInvalidState
	// KindConfig indicates a config-error: a directive or spec failed validation.
	KindConfig
	// KindTransient indicates a transient-system-error: logged and retried next step.
	KindTransient
	// KindFatalFS indicates a fatal-fs-error: sulogin with reboot-on-exit.
	KindFatalFS
	// KindSpawn indicates a service-spawn-error: counted toward the restart budget.
	KindSpawn
	// KindRespawnExhausted indicates service-respawn-exhausted: CRASHED, operator-visible.
	KindRespawnExhausted
	// KindPermission indicates a permission error.
	KindPermission
	// KindInternal indicates an internal error.
	KindInternal
	// KindInvariant indicates a bug-invariant violation; the caller should abort.
	KindInvariant
)

// String returns a human-readable name for the error kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindInvalidState:
		return "invalid state"
	case KindConfig:
		return "config error"
	case KindTransient:
		return "transient system error"
	case KindFatalFS:
		return "fatal filesystem error"
	case KindSpawn:
		return "spawn error"
	case KindRespawnExhausted:
		return "respawn budget exhausted"
	case KindPermission:
		return "permission denied"
	case KindInternal:
		return "internal error"
	case KindInvariant:
		return "invariant violation"
	default:
		return "unknown error"
	}
}

// Error represents an error that occurred during a bootstrap or supervision
// operation.
type Error struct {
	// Op is the operation that failed (e.g. "parse", "spawn", "mount").
	Op string
	// Service is the affected service name, if applicable.
	Service string
	// Err is the underlying error.
	Err error
	// Kind is the error classification.
	Kind Kind
	// Detail provides additional human-readable context.
	Detail string
}

// Error returns the error message.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var msg string
	if e.Service != "" {
		msg = fmt.Sprintf("service %s: ", e.Service)
	}
	if e.Op != "" {
		msg += fmt.Sprintf("%s: ", e.Op)
	}
	if e.Detail != "" {
		msg += e.Detail
	} else {
		msg += e.Kind.String()
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether the error matches the target. It matches if the target
// is an *Error with the same Kind, or if the underlying error matches.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a new Error with the given kind.
func New(kind Kind, op string, detail string) *Error {
	return &Error{Op: op, Kind: kind, Detail: detail}
}

// Wrap wraps an error with an operation and kind.
func Wrap(err error, kind Kind, op string) *Error {
	return &Error{Op: op, Err: err, Kind: kind}
}

// WrapService wraps an error with operation and service context.
func WrapService(err error, kind Kind, op string, service string) *Error {
	return &Error{Op: op, Service: service, Err: err, Kind: kind}
}

// WrapDetail wraps an error with additional detail.
func WrapDetail(err error, kind Kind, op string, detail string) *Error {
	return &Error{Op: op, Err: err, Kind: kind, Detail: detail}
}

// IsKind checks whether an error is of a specific kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// GetKind returns the error kind if the error is an *Error.
func GetKind(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)
