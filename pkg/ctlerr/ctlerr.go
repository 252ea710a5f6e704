// Package ctlerr defines the error taxonomy shared by the download manager,
// process supervisor, and proxy router. The core never returns a raw
// transport error; adapters at the system boundary map a Code to HTTP
// status, exit code, or shell-level message.
package ctlerr

import (
	"errors"
	"fmt"
)

// Code is one of the seven taxonomy members.
type Code int

const (
	// NotFound: resource missing (model, quantization, process). Never retried.
	NotFound Code = iota
	// Conflict: already exists / in progress (e.g. AlreadyQueued, model already running).
	Conflict
	// InvalidInput: malformed request, sub-1024 port, missing quantization.
	InvalidInput
	// Loading: transient state during swap. Client-visible, not an internal error.
	Loading
	// Transient: network timeouts, 5xx upstream. Retried with backoff at the download layer.
	Transient
	// Fatal: content-hash mismatch, spawn failure, health-check timeout, permission denied.
	Fatal
	// Cancelled: cooperative termination. Never logged at error level.
	Cancelled
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case InvalidInput:
		return "invalid_input"
	case Loading:
		return "loading"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps a Code with a message and an optional underlying cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error carrying cause, mirroring the fmt.Errorf("...: %w")
// idiom used throughout the rest of this codebase.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, and
// reports ok=false otherwise.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// Convenience constructors for the common call sites.

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

func InvalidInputf(format string, args ...any) *Error {
	return New(InvalidInput, fmt.Sprintf(format, args...))
}

func Loadingf(format string, args ...any) *Error {
	return New(Loading, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...any) *Error {
	return New(Fatal, fmt.Sprintf(format, args...))
}

func Cancelledf(format string, args ...any) *Error {
	return New(Cancelled, fmt.Sprintf(format, args...))
}

func Transientf(format string, args ...any) *Error {
	return New(Transient, fmt.Sprintf(format, args...))
}
