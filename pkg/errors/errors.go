// Package errors defines the error taxonomy shared by the registry, the
// gateway and the agent. Every expected failure is mapped to one of the
// types below at the point of detection; handlers translate the type into
// an HTTP status and a machine-readable code.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrAuthFailure is returned for a missing, malformed, expired or revoked credential
	ErrAuthFailure = "auth_failure"

	// ErrForbidden is returned when a valid credential is not authorized for the target resource
	ErrForbidden = "forbidden"

	// ErrNotFound is returned when a device id is unknown
	ErrNotFound = "not_found"

	// ErrBadTarget is returned when a device has no usable forwarding address
	ErrBadTarget = "bad_target"

	// ErrBadGateway is returned when the downstream transport fails
	ErrBadGateway = "bad_gateway"

	// ErrGatewayTimeout is returned when the forwarding deadline is exceeded
	ErrGatewayTimeout = "gateway_timeout"

	// ErrInvalidArgument is returned when an invalid argument is provided
	ErrInvalidArgument = "invalid_argument"

	// ErrStateCorrupt is returned when persisted state exists but cannot be read
	ErrStateCorrupt = "state_corrupt"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status code for the error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case ErrAuthFailure:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrBadTarget, ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrBadGateway:
		return http.StatusBadGateway
	case ErrGatewayTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewAuthFailureError creates a new auth failure error
func NewAuthFailureError(message string, cause error) *Error {
	return NewError(ErrAuthFailure, message, cause)
}

// NewForbiddenError creates a new forbidden error
func NewForbiddenError(message string, cause error) *Error {
	return NewError(ErrForbidden, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewBadTargetError creates a new bad target error
func NewBadTargetError(message string, cause error) *Error {
	return NewError(ErrBadTarget, message, cause)
}

// NewBadGatewayError creates a new bad gateway error
func NewBadGatewayError(message string, cause error) *Error {
	return NewError(ErrBadGateway, message, cause)
}

// NewGatewayTimeoutError creates a new gateway timeout error
func NewGatewayTimeoutError(message string, cause error) *Error {
	return NewError(ErrGatewayTimeout, message, cause)
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewStateCorruptError creates a new state corrupt error
func NewStateCorruptError(message string, cause error) *Error {
	return NewError(ErrStateCorrupt, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// isType checks whether err is an *Error of the given type anywhere in its chain.
func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsAuthFailure checks if the error is an auth failure error
func IsAuthFailure(err error) bool {
	return isType(err, ErrAuthFailure)
}

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool {
	return isType(err, ErrForbidden)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsBadTarget checks if the error is a bad target error
func IsBadTarget(err error) bool {
	return isType(err, ErrBadTarget)
}

// IsBadGateway checks if the error is a bad gateway error
func IsBadGateway(err error) bool {
	return isType(err, ErrBadGateway)
}

// IsGatewayTimeout checks if the error is a gateway timeout error
func IsGatewayTimeout(err error) bool {
	return isType(err, ErrGatewayTimeout)
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return isType(err, ErrInvalidArgument)
}

// IsStateCorrupt checks if the error is a state corrupt error
func IsStateCorrupt(err error) bool {
	return isType(err, ErrStateCorrupt)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}

// body is the JSON error shape returned by all HTTP boundaries.
type body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteHTTP writes err as a JSON error response. Errors that are not part of
// the taxonomy are reported as internal without leaking their text.
func WriteHTTP(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = NewInternalError("internal error", nil)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus())
	//nolint:errcheck // nothing useful to do if the response writer fails
	_ = json.NewEncoder(w).Encode(body{Error: e.Type, Message: e.Message})
}
