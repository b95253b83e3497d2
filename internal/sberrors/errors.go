// Package sberrors defines the closed error taxonomy shared by the worker
// and coordinator APIs.
package sberrors

import (
	"fmt"
	"net/http"
)

// Kind distinguishes the closed set of error conditions the system can
// return to a client.
type Kind string

const (
	KindInvalidCommand Kind = "INVALID_COMMAND"
	KindSessionExpired  Kind = "SESSION_EXPIRED"
	KindSessionNotFound Kind = "SESSION_NOT_FOUND"
	KindCapacity        Kind = "CAPACITY"
	KindFileTooLarge     Kind = "FILE_TOO_LARGE"
	KindTooManyFiles     Kind = "TOO_MANY_FILES"
	KindWorkspaceFull    Kind = "WORKSPACE_FULL"
	KindNotFound         Kind = "NOT_FOUND"
	KindExecutionError   Kind = "EXECUTION_ERROR"
	KindNoWorkers        Kind = "NO_WORKERS"
)

// httpStatus maps each Kind to its HTTP-like status code per spec.
var httpStatus = map[Kind]int{
	KindInvalidCommand:  http.StatusBadRequest,
	KindSessionExpired:  http.StatusNotFound,
	KindSessionNotFound: http.StatusNotFound,
	KindCapacity:        http.StatusServiceUnavailable,
	KindFileTooLarge:    http.StatusRequestEntityTooLarge,
	KindTooManyFiles:    http.StatusInsufficientStorage,
	KindWorkspaceFull:   http.StatusInsufficientStorage,
	KindNotFound:        http.StatusNotFound,
	KindExecutionError:  http.StatusInternalServerError,
	KindNoWorkers:       http.StatusServiceUnavailable,
}

// Error is the concrete error type returned across package boundaries.
// Clients (such as one that recreates expired sessions) must branch on Kind,
// never on the HTTP status alone — a 404 can mean SESSION_EXPIRED (retryable)
// or NOT_FOUND (not retryable).
type Error struct {
	Kind    Kind
	Message string
	// Detail carries the violating token/pattern for INVALID_COMMAND errors.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus returns the status code this error kind maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail string (e.g. the forbidden pattern or token)
// to an error.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// As extracts an *Error from err, if present.
func As(err error) (*Error, bool) {
	se, ok := err.(*Error)
	return se, ok
}
