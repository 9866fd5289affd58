// Package errors provides the structured error taxonomy for the relay:
// capacity and validation errors surface to the requesting client only,
// external collaborator failures degrade gracefully, and nothing here is
// fatal to the process.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for wire mapping and logging.
type ErrorType string

const (
	// TypeCapacity indicates a configured limit was reached; state is unaffected.
	TypeCapacity ErrorType = "capacity"
	// TypeValidation indicates invalid input; no mutation happened.
	TypeValidation ErrorType = "validation"
	// TypeNotFound indicates the addressed broadcast does not exist.
	TypeNotFound ErrorType = "not_found"
	// TypeExternal indicates a collaborator (speech, translation) failure.
	TypeExternal ErrorType = "external"
	// TypeInternal indicates an unexpected server-side error.
	TypeInternal ErrorType = "internal"
)

// Error is a structured error with a type, a stable wire code, and a cause.
type Error struct {
	Type  ErrorType
	Code  string // stable machine-readable code sent in ERROR frames
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Code)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error type to a status code for the HTTP surface.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeCapacity:
		return http.StatusTooManyRequests
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Capacity creates a capacity error with the given wire code.
func Capacity(code string) *Error {
	return &Error{Type: TypeCapacity, Code: code}
}

// Validation creates a validation error with the given wire code.
func Validation(code string) *Error {
	return &Error{Type: TypeValidation, Code: code}
}

// NotFound creates a not-found error with the given wire code.
func NotFound(code string) *Error {
	return &Error{Type: TypeNotFound, Code: code}
}

// External creates an external collaborator error.
func External(code string, cause error) *Error {
	return &Error{Type: TypeExternal, Code: code, Cause: cause}
}

// Internal creates an internal error.
func Internal(code string, cause error) *Error {
	return &Error{Type: TypeInternal, Code: code, Cause: cause}
}

// WireCode extracts the stable code to put in an ERROR frame. Unstructured
// errors collapse to INTERNAL_ERROR so internals never leak to clients.
func WireCode(err error) string {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Code
	}
	return "INTERNAL_ERROR"
}
