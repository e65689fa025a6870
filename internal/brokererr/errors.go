// Package brokererr defines the broker's typed error taxonomy.
//
// Every public operation on the broker's components returns either a result
// or exactly one *Error from this package; no panics cross a component
// boundary.
package brokererr

import (
	"errors"
	"fmt"
)

// Kind enumerates the taxonomy of broker error categories.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindNotFound            Kind = "NotFound"
	KindConflict            Kind = "Conflict"
	KindIsolationViolation  Kind = "IsolationViolation"
	KindQueueFull           Kind = "QueueFull"
	KindProtocolIncompatible Kind = "ProtocolIncompatible"
	KindRateLimited         Kind = "RateLimited"
	KindUnauthorized        Kind = "Unauthorized"
	KindForbidden           Kind = "Forbidden"
	KindCancelled           Kind = "Cancelled"
	KindDegradedStore       Kind = "DegradedStore"
	KindInternal            Kind = "Internal"
)

// Error is the concrete error type returned by broker operations.
type Error struct {
	Kind    Kind
	Message string
	Detail  map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an *Error with optional detail fields.
func New(kind Kind, message string, detail map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Detail: detail}
}

// Is allows errors.Is comparisons against a bare Kind wrapped with WithKind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// WithKind builds a zero-detail sentinel for errors.Is comparisons, e.g.
// errors.Is(err, brokererr.WithKind(brokererr.KindNotFound)).
func WithKind(kind Kind) *Error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind from err, returning KindInternal for anything
// that isn't a *Error (a bug at the call site, but we never want to panic
// reporting it).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return KindInternal
}

func NotFound(message string) *Error            { return New(KindNotFound, message, nil) }
func Validation(message string) *Error          { return New(KindValidation, message, nil) }
func Conflict(message string) *Error            { return New(KindConflict, message, nil) }
func IsolationViolation(message string) *Error  { return New(KindIsolationViolation, message, nil) }
func QueueFull(message string) *Error           { return New(KindQueueFull, message, nil) }
func ProtocolIncompatible(message string) *Error { return New(KindProtocolIncompatible, message, nil) }
func RateLimited(message string) *Error         { return New(KindRateLimited, message, nil) }
func Unauthorized(message string) *Error        { return New(KindUnauthorized, message, nil) }
func Forbidden(message string) *Error           { return New(KindForbidden, message, nil) }
func Cancelled(message string) *Error           { return New(KindCancelled, message, nil) }
func Internal(message string) *Error            { return New(KindInternal, message, nil) }
