package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError.
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound       ErrorType = "NOT_FOUND_ERROR"
	ErrorTypeConflict       ErrorType = "CONFLICT_ERROR"
	ErrorTypeUnsupported    ErrorType = "UNSUPPORTED_ERROR"
	ErrorTypeUnavailable    ErrorType = "UNAVAILABLE_ERROR"
	ErrorTypeAuthentication ErrorType = "AUTHENTICATION_ERROR"
	ErrorTypeMismatch       ErrorType = "MISMATCH_ERROR"
	ErrorTypeInternal       ErrorType = "INTERNAL_ERROR"
)

var (
	ErrNotFound      = errors.New("resource not found")
	ErrInvalidQuery  = errors.New("invalid query")
	ErrInvalidPath   = errors.New("invalid document path")
	ErrUnsupported   = errors.New("operation not supported by backend")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrListenerDone  = errors.New("listener stopped")
	ErrBackendClosed = errors.New("backend closed")
)

// AppError is the error type returned across layer boundaries.
type AppError struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	HTTPCode  int                    `json:"-"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Component string                 `json:"component,omitempty"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches another *AppError of the same type and code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Code == "" || t.Code == e.Code)
}

func NewAppError(errorType ErrorType, message string, httpCode int) *AppError {
	return &AppError{
		Type:     errorType,
		Message:  message,
		HTTPCode: httpCode,
		Details:  make(map[string]interface{}),
	}
}

func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithComponent(component string) *AppError {
	e.Component = component
	return e
}

func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, message, http.StatusBadRequest).WithCause(ErrInvalidQuery)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound).WithCause(ErrNotFound)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, message, http.StatusConflict)
}

func NewUnsupportedError(message string) *AppError {
	return NewAppError(ErrorTypeUnsupported, message, http.StatusNotImplemented).WithCause(ErrUnsupported)
}

func NewUnavailableError(message string) *AppError {
	return NewAppError(ErrorTypeUnavailable, message, http.StatusServiceUnavailable)
}

func NewAuthenticationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthentication, message, http.StatusUnauthorized)
}

func NewMismatchError(message string) *AppError {
	return NewAppError(ErrorTypeMismatch, message, http.StatusExpectationFailed)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, message, http.StatusInternalServerError)
}

// FromHTTPStatus rebuilds an AppError from a status code and message received over the wire.
func FromHTTPStatus(status int, message string) *AppError {
	switch status {
	case http.StatusBadRequest:
		return NewValidationError(message)
	case http.StatusNotFound:
		return NewAppError(ErrorTypeNotFound, message, status).WithCause(ErrNotFound)
	case http.StatusConflict:
		return NewConflictError(message)
	case http.StatusNotImplemented:
		return NewUnsupportedError(message)
	case http.StatusServiceUnavailable:
		return NewUnavailableError(message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewAuthenticationError(message)
	case http.StatusExpectationFailed:
		return NewMismatchError(message)
	default:
		return NewAppError(ErrorTypeInternal, message, status)
	}
}

// WrapError keeps an existing AppError and wraps anything else as internal.
func WrapError(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return NewInternalError(message).WithCause(err)
}

// HTTPStatus returns the status code an error should be reported with.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPCode != 0 {
		return appErr.HTTPCode
	}
	return http.StatusInternalServerError
}

func typeOf(err error) (ErrorType, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type, true
	}
	return "", false
}

func IsNotFound(err error) bool {
	if t, ok := typeOf(err); ok {
		return t == ErrorTypeNotFound
	}
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeValidation
}

func IsConflict(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeConflict
}

func IsUnsupported(err error) bool {
	if t, ok := typeOf(err); ok {
		return t == ErrorTypeUnsupported
	}
	return errors.Is(err, ErrUnsupported)
}

func IsAuthentication(err error) bool {
	if t, ok := typeOf(err); ok {
		return t == ErrorTypeAuthentication
	}
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired)
}

func IsMismatch(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeMismatch
}

func IsUnavailable(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeUnavailable
}
