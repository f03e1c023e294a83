// Package errs defines the error taxonomy shared by every delivery
// component: expected failure modes are returned as *Error values so callers
// can branch on Kind instead of string matching.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindTransient  Kind = "transient"
	KindCapacity   Kind = "capacity"
	KindCancelled  Kind = "cancelled"
	KindInternal   Kind = "internal"
)

type Error struct {
	Kind       Kind
	StatusCode int
	Retryable  bool
	Trippable  bool
	Cause      error
	Message    string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e != nil && e.Kind == t.Kind
}

// kindFlags gives each kind its default retry and trip behaviour: transient
// and internal failures are worth retrying and count against the breaker,
// every other kind is terminal.
func kindFlags(kind Kind) (retryable, trippable bool) {
	switch kind {
	case KindTransient, KindInternal:
		return true, true
	default:
		return false, false
	}
}

func New(kind Kind, message string) *Error {
	retryable, trippable := kindFlags(kind)
	return &Error{Kind: kind, Message: message, Retryable: retryable, Trippable: trippable}
}

func Newf(kind Kind, format string, args ...any) *Error {
	retryable, trippable := kindFlags(kind)
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryable, Trippable: trippable}
}

func Wrap(kind Kind, cause error, message string) *Error {
	retryable, trippable := kindFlags(kind)
	return &Error{Kind: kind, Cause: cause, Message: message, Retryable: retryable, Trippable: trippable}
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func Capacity(message string) *Error {
	return &Error{Kind: KindCapacity, Message: message}
}

func Cancelled(message string) *Error {
	return &Error{Kind: KindCancelled, Message: message, Retryable: false}
}

func Transient(cause error, message string) *Error {
	return &Error{Kind: KindTransient, Cause: cause, Message: message, Retryable: true, Trippable: true}
}

// Internal wraps an unexpected failure. It stays retryable so the circuit
// breaker decides when to stop probing a recurring fault.
func Internal(cause error, message string) *Error {
	return &Error{Kind: KindInternal, Cause: cause, Message: message, Retryable: true, Trippable: true}
}

// KindOf reports the taxonomy kind of an arbitrary error, defaulting to
// internal for errors produced outside this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether the retry executor may attempt err again.
// Unknown error types are treated as transient per the propagation policy.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// IsTrippable reports whether err should count against a circuit breaker.
func IsTrippable(err error) bool {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Trippable
	}
	return true
}

// ClassifyTransport converts a transport-level failure (dial, TLS, timeout)
// into the taxonomy. Timeouts and connection failures are both transient and
// trippable.
func ClassifyTransport(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Cause: err, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Cause: err, Message: err.Error(), Retryable: true, Trippable: true}
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return &Error{Kind: KindTransient, Cause: err, Message: err.Error(), Retryable: true, Trippable: true}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return &Error{Kind: KindTransient, Cause: err, Message: err.Error(), Retryable: true, Trippable: true}
	}
	return &Error{Kind: KindTransient, Cause: err, Message: err.Error(), Retryable: true, Trippable: true}
}

// ClassifyStatus converts a non-2xx response into the taxonomy. 429 is
// retryable but does not trip the breaker (the backend is alive, just
// shedding load); 5xx both retries and trips; every other 4xx means the
// request itself was rejected and is terminal.
func ClassifyStatus(statusCode int, body string) *Error {
	message := fmt.Sprintf("upstream error: %d", statusCode)
	if body != "" {
		message = fmt.Sprintf("upstream error: %d: %s", statusCode, body)
	}
	switch {
	case statusCode == 429:
		return &Error{Kind: KindTransient, StatusCode: statusCode, Message: message, Retryable: true, Trippable: false}
	case statusCode >= 500 && statusCode < 600:
		return &Error{Kind: KindTransient, StatusCode: statusCode, Message: message, Retryable: true, Trippable: true}
	default:
		return &Error{Kind: KindValidation, StatusCode: statusCode, Message: message, Retryable: false, Trippable: false}
	}
}
