// Package fault defines the stable error taxonomy exposed by the vault core.
//
// Every error that crosses a component boundary carries a machine-readable
// Code and a human message. Causes are wrapped for logs but are never meant
// to be serialized outward.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class with a stable machine-readable name.
type Code string

const (
	CodeValidation        Code = "VALIDATION"
	CodeUnsupportedType   Code = "UNSUPPORTED_TYPE"
	CodeTooLarge          Code = "TOO_LARGE"
	CodeQuotaExceeded     Code = "QUOTA_EXCEEDED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeFileIncomplete    Code = "FILE_INCOMPLETE"
	CodeIntegrityFailed   Code = "INTEGRITY_FAILED"
	CodeSessionNotFound   Code = "SESSION_NOT_FOUND"
	CodeLedgerUnavailable Code = "LEDGER_UNAVAILABLE"
	CodeTimeout           Code = "TIMEOUT"
	CodeRetryExhausted    Code = "RETRY_EXHAUSTED"
	CodeConnectionError   Code = "CONNECTION_ERROR"
	CodeInternal          Code = "INTERNAL"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error with an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the code from an error chain, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// IsCode reports whether the outermost coded error in the chain carries the
// given code; codes of coded errors wrapped inside it are not consulted.
func IsCode(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// PublicMessage returns the message safe to expose to callers. Errors
// without a code collapse to a generic message so internals never leak.
func PublicMessage(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return "internal error"
}

// HTTPStatus maps a code to the HTTP status a transport should emit.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeUnsupportedType:
		return http.StatusBadRequest
	case CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case CodeNotFound, CodeSessionNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeLedgerUnavailable, CodeConnectionError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
