package providers

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures so callers can decide whether to
// retry, re-authenticate, or surface the error to the user.
type ErrorKind string

const (
	ErrAuthentication   ErrorKind = "authentication"
	ErrRateLimit        ErrorKind = "rate_limit"
	ErrInvalidRequest   ErrorKind = "invalid_request"
	ErrNetwork          ErrorKind = "network"
	ErrTimeout          ErrorKind = "timeout"
	ErrProviderInternal ErrorKind = "provider_internal"
)

// Error is a typed provider error carrying the HTTP status when known.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retriable reports whether the failure is transient and worth retrying.
func (e *Error) Retriable() bool {
	switch e.Kind {
	case ErrRateLimit, ErrNetwork, ErrTimeout, ErrProviderInternal:
		return true
	}
	// Some proxies return transient 403s under load.
	return e.Status == 403
}

// NewError builds a typed Error from an HTTP status and response body.
func NewError(status int, message string) *Error {
	kind := ErrProviderInternal
	switch {
	case status == 401:
		kind = ErrAuthentication
	case status == 429:
		kind = ErrRateLimit
	case status == 408 || status == 504:
		kind = ErrTimeout
	case status >= 400 && status < 500:
		kind = ErrInvalidRequest
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// IsRetriable reports whether err is a transient provider error.
func IsRetriable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retriable()
	}
	return false
}

// KindOf extracts the error kind, or provider_internal for untyped errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrProviderInternal
}
