package cloudwatch

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// ErrorKind classifies CloudWatch API failures.
type ErrorKind string

const (
	ErrNotFound         ErrorKind = "not_found"
	ErrAuthentication   ErrorKind = "authentication"
	ErrRateLimit        ErrorKind = "rate_limit"
	ErrInvalidParameter ErrorKind = "invalid_parameter"
	ErrGeneric          ErrorKind = "generic"
)

// Error is a typed CloudWatch adapter error.
type Error struct {
	Kind    ErrorKind
	Message string
	wrapped error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cloudwatch %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// classify maps an AWS SDK error onto our taxonomy.
func classify(err error) *Error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		kind := ErrGeneric
		switch apiErr.ErrorCode() {
		case "ResourceNotFoundException":
			kind = ErrNotFound
		case "UnrecognizedClientException", "AccessDeniedException", "ExpiredTokenException", "InvalidSignatureException":
			kind = ErrAuthentication
		case "ThrottlingException", "TooManyRequestsException":
			kind = ErrRateLimit
		case "InvalidParameterException", "ValidationException":
			kind = ErrInvalidParameter
		}
		return &Error{Kind: kind, Message: apiErr.ErrorMessage(), wrapped: err}
	}
	return &Error{Kind: ErrGeneric, Message: err.Error(), wrapped: err}
}

// IsNotFound reports whether err is a log-group-not-found failure.
func IsNotFound(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == ErrNotFound
}

// KindOf extracts the error kind, or generic for untyped errors.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrGeneric
}
