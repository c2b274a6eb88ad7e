// Package errors provides the application error types for CES.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodeDuplicateExecution = "DUPLICATE_EXECUTION"
	ErrCodeStartupFailed      = "STARTUP_FAILED"
	ErrCodePeerGone           = "PEER_GONE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeSessionStopped     = "SESSION_STOPPED"
	ErrCodeSessionNotReady    = "SESSION_NOT_READY"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// AlreadyExists creates a conflict error for a duplicate session id.
func AlreadyExists(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeAlreadyExists,
		Message:    fmt.Sprintf("%s with id '%s' already exists", resource, id),
		HTTPStatus: http.StatusConflict,
	}
}

// DuplicateExecution creates an error for a reused exec id within a session.
func DuplicateExecution(execID string) *AppError {
	return &AppError{
		Code:       ErrCodeDuplicateExecution,
		Message:    fmt.Sprintf("execution id '%s' was already used in this session", execID),
		HTTPStatus: http.StatusConflict,
	}
}

// StartupFailed creates an error for an interpreter that did not become ready.
func StartupFailed(err error) *AppError {
	return &AppError{
		Code:       ErrCodeStartupFailed,
		Message:    "interpreter failed to start",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// PeerGone creates an error for an interpreter that died underneath us.
func PeerGone(err error) *AppError {
	return &AppError{
		Code:       ErrCodePeerGone,
		Message:    "interpreter process is gone",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Timeout creates an error for an execution that exceeded its deadline.
func Timeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// SessionStopped creates an error for an operation against a stopped session.
func SessionStopped(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionStopped,
		Message:    fmt.Sprintf("session '%s' is stopped", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// SessionNotReady creates an error for an operation against a session
// whose interpreter is still starting up.
func SessionNotReady(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionNotReady,
		Message:    fmt.Sprintf("session '%s' is still starting", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// If err is already an AppError its code and status are preserved.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// AsAppError extracts an AppError from err, or wraps err as an internal error.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError("internal error", err)
}
