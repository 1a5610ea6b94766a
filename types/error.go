package types

import "fmt"

// ErrorKind represents a unified error kind across the gateway.
type ErrorKind string

// Gateway error kinds
const (
	ErrBadRequest        ErrorKind = "bad_request"
	ErrUnauthorized      ErrorKind = "unauthorized"
	ErrForbidden         ErrorKind = "forbidden"
	ErrQuotaExceeded     ErrorKind = "quota_exceeded"
	ErrNotFound          ErrorKind = "not_found"
	ErrConflict          ErrorKind = "conflict"
	ErrModelNotSupported ErrorKind = "model_not_supported"
	ErrNoProvider        ErrorKind = "no_provider"
	ErrNoKey             ErrorKind = "no_key"
	ErrUpstream          ErrorKind = "upstream"
	ErrNetwork           ErrorKind = "network"
	ErrStorage           ErrorKind = "storage"
	ErrConfig            ErrorKind = "config"
	ErrInternal          ErrorKind = "internal"
)

// Error represents a structured gateway error with kind, message, and metadata.
type Error struct {
	Kind       ErrorKind `json:"type"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Retryable  bool      `json:"-"`
	Provider   string    `json:"-"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the upstream HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable reports whether err may be retried against another API key.
// Network failures, upstream 5xx, and 429 responses qualify; other client
// errors do not.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// KindOf extracts the error kind from an error, or ErrInternal for
// untyped errors.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ErrInternal
}

// AsError converts any error into a *Error, wrapping untyped errors as
// ErrInternal.
func AsError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return NewError(ErrInternal, "internal error").WithCause(err)
}
