package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Call and media taxonomy
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeUnsupported      ErrorCode = "UNSUPPORTED"

	// Boundary errors
	ErrCodeValidation     ErrorCode = "VALIDATION_ERROR"
	ErrCodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message.
// The status code is derived from the code.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusFor(code),
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func statusFor(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState, ErrCodeConflict:
		return http.StatusConflict
	case ErrCodePermissionDenied:
		return http.StatusForbidden
	case ErrCodeUnsupported:
		return http.StatusUnprocessableEntity
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeServiceUnavail:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func NotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func InvalidStateError(message string) *AppError {
	return New(ErrCodeInvalidState, message)
}

func PermissionDeniedError(message string) *AppError {
	return New(ErrCodePermissionDenied, message)
}

func ConflictError(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func UnsupportedError(message string) *AppError {
	return New(ErrCodeUnsupported, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func UnauthorizedError(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func DatabaseError(err error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", err)
}

func ServiceUnavailableError(message string) *AppError {
	return New(ErrCodeServiceUnavail, message)
}

// IsAppError checks if an error chain contains an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrCodeInternal, "Internal server error", err)
}

// CodeOf returns the code of the first AppError in err's chain, or INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
