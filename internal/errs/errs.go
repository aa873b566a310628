// Package errs defines the error taxonomy shared by every spearlet component.
//
// Errors carry a Class (which layer failed) and a Kind (what went wrong).
// Callers branch on Kind through the Is* helpers; the HTTP layer maps
// errors to status codes through StatusCode.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Class identifies the layer that produced an error.
type Class string

const (
	ClassArtifact      Class = "artifact"
	ClassTask          Class = "task"
	ClassInstance      Class = "instance"
	ClassRuntime       Class = "runtime"
	ClassConfiguration Class = "configuration"
	ClassSystem        Class = "system"
)

// Kind identifies what went wrong within a class.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindInUse          Kind = "in_use"
	KindNotFound       Kind = "not_found"
	KindDerivation     Kind = "derivation"
	KindTerminated     Kind = "terminated"
	KindCreationFailed Kind = "creation_failed"
	KindCrashed        Kind = "crashed"
	KindUnhealthy      Kind = "unhealthy"
	KindConnectFailed  Kind = "connect_failed"
	KindTimeout        Kind = "timeout"
	KindUnsupported    Kind = "unsupported"
	KindBackpressure   Kind = "backpressure"
	KindInvalidLimits  Kind = "invalid_limits"
	KindInternal       Kind = "internal"
	KindCanceled       Kind = "canceled"
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Class   Class
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	s := string(e.Class) + " " + string(e.Kind)
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the error to an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case KindConflict, KindInUse:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindBackpressure:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindValidation, KindDerivation, KindInvalidLimits:
		return http.StatusBadRequest
	case KindUnsupported:
		return http.StatusNotImplemented
	case KindTerminated, KindUnhealthy, KindConnectFailed:
		return http.StatusServiceUnavailable
	case KindCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// New constructs an Error with a formatted message.
func New(class Class, kind Kind, format string, args ...any) *Error {
	return &Error{Class: class, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error around cause.
func Wrap(class Class, kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Class: class, Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

func Artifact(kind Kind, format string, args ...any) *Error {
	return New(ClassArtifact, kind, format, args...)
}

func Task(kind Kind, format string, args ...any) *Error {
	return New(ClassTask, kind, format, args...)
}

func Instance(kind Kind, format string, args ...any) *Error {
	return New(ClassInstance, kind, format, args...)
}

func Runtime(kind Kind, format string, args ...any) *Error {
	return New(ClassRuntime, kind, format, args...)
}

func Configuration(format string, args ...any) *Error {
	return New(ClassConfiguration, KindInvalidLimits, format, args...)
}

func System(kind Kind, format string, args ...any) *Error {
	return New(ClassSystem, kind, format, args...)
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindInternal
}

// ClassOf returns the Class of err, or ClassSystem for foreign errors.
func ClassOf(err error) Class {
	if e, ok := As(err); ok {
		return e.Class
	}
	return ClassSystem
}

func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

func IsNotFound(err error) bool     { return IsKind(err, KindNotFound) }
func IsConflict(err error) bool     { return IsKind(err, KindConflict) }
func IsInUse(err error) bool        { return IsKind(err, KindInUse) }
func IsTimeout(err error) bool      { return IsKind(err, KindTimeout) }
func IsBackpressure(err error) bool { return IsKind(err, KindBackpressure) }
func IsCanceled(err error) bool     { return IsKind(err, KindCanceled) }
func IsTerminated(err error) bool   { return IsKind(err, KindTerminated) }
func IsUnsupported(err error) bool  { return IsKind(err, KindUnsupported) }

// IsTransient reports whether err is a runtime failure worth retrying
// during instance creation.
func IsTransient(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	return e.Class == ClassRuntime && (e.Kind == KindConnectFailed || e.Kind == KindTimeout)
}

// FromContext converts a context error into the taxonomy. A nil or foreign
// error is returned unchanged.
func FromContext(err error, format string, args ...any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(ClassRuntime, KindTimeout, err, format, args...)
	case errors.Is(err, context.Canceled):
		return Wrap(ClassSystem, KindCanceled, err, format, args...)
	default:
		return err
	}
}
