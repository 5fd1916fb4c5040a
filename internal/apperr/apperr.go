// Package apperr defines the error taxonomy shared by the API server and the
// portal client. Errors carry a machine-readable Code that survives the trip
// over HTTP, so a client can tell a rejected input from an expired session.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnauthenticated    Code = "unauthenticated"
	CodeSessionExpired     Code = "session_expired"
	CodeInvalidCredentials Code = "invalid_credentials"
	CodeValidation         Code = "validation"
	CodeForbidden          Code = "forbidden"
	CodeInvalidTransition  Code = "invalid_transition"
	CodeInvalidState       Code = "invalid_state"
	CodeConflict           Code = "conflict"
	CodeNotFound           Code = "not_found"
	CodeUnavailable        Code = "unavailable"
	CodeInternal           Code = "internal"
)

// Sentinels for errors.Is checks. Matching is by code only.
var (
	ErrUnauthenticated    = New(CodeUnauthenticated, "authentication required")
	ErrSessionExpired     = New(CodeSessionExpired, "session expired")
	ErrInvalidCredentials = New(CodeInvalidCredentials, "invalid credentials")
	ErrValidation         = New(CodeValidation, "validation failed")
	ErrForbidden          = New(CodeForbidden, "forbidden")
	ErrInvalidTransition  = New(CodeInvalidTransition, "invalid transition")
	ErrInvalidState       = New(CodeInvalidState, "invalid state")
	ErrConflict           = New(CodeConflict, "conflict")
	ErrNotFound           = New(CodeNotFound, "not found")
	ErrUnavailable        = New(CodeUnavailable, "service unavailable")
)

// FieldError describes a single rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Fields  []FieldError
	Cause   error
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return e.Message + " (" + strings.Join(parts, "; ") + ")"
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Validation builds a validation error carrying every field error.
func Validation(fields ...FieldError) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: "validation failed",
		Fields:  append([]FieldError(nil), fields...),
	}
}

// CodeOf returns the code of err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// FieldsOf returns the field errors attached to err, if any.
func FieldsOf(err error) []FieldError {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// HTTPStatus maps a code to the HTTP status used on the wire.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthenticated, CodeSessionExpired, CodeInvalidCredentials:
		return http.StatusUnauthorized
	case CodeValidation:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeInvalidTransition, CodeInvalidState:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// codeForStatus is the fallback used when a response body carries no code.
func codeForStatus(status int) Code {
	switch status {
	case http.StatusUnauthorized:
		return CodeUnauthenticated
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeValidation
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return CodeUnavailable
	default:
		return CodeInternal
	}
}
