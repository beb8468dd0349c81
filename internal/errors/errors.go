package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Pairing code lifecycle, caller side
	ErrCodeCodeNotFound           ErrorCode = "CODE_NOT_FOUND"
	ErrCodeCodeExpired            ErrorCode = "CODE_EXPIRED"
	ErrCodeCodeAlreadyUsed        ErrorCode = "CODE_ALREADY_USED"
	ErrCodeMissingAuthCode        ErrorCode = "MISSING_AUTHORIZATION_CODE"
	ErrCodeSessionExpired         ErrorCode = "SESSION_EXPIRED"
	ErrCodeStateMismatch          ErrorCode = "STATE_MISMATCH"
	ErrCodeInvalidOrConsumedCode  ErrorCode = "INVALID_OR_CONSUMED_CODE"

	// Pairing code lifecycle, upstream side
	ErrCodeProviderError       ErrorCode = "PROVIDER_ERROR"
	ErrCodeTokenExchangeFailed ErrorCode = "TOKEN_EXCHANGE_FAILED"
	ErrCodeMissingSubjectClaim ErrorCode = "MISSING_SUBJECT_CLAIM"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase      ErrorCode = "DATABASE_ERROR"
	ErrCodeConfiguration ErrorCode = "CONFIGURATION_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Is matches another AppError by code, so errors.Is(err, CodeExpired()) works.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func CodeNotFound() *AppError {
	return New(ErrCodeCodeNotFound, "Code not found")
}

func CodeExpired() *AppError {
	return New(ErrCodeCodeExpired, "Code expired")
}

func CodeAlreadyUsed() *AppError {
	return New(ErrCodeCodeAlreadyUsed, "Code already used")
}

func MissingAuthorizationCode() *AppError {
	return New(ErrCodeMissingAuthCode, "Authorization code is missing from the callback")
}

func SessionExpired() *AppError {
	return New(ErrCodeSessionExpired, "No pairing code is bound to this session")
}

func StateMismatch() *AppError {
	return New(ErrCodeStateMismatch, "OAuth state does not match the session")
}

func InvalidOrConsumedCode() *AppError {
	return New(ErrCodeInvalidOrConsumedCode, "Pairing code is invalid or was already consumed")
}

// ProviderError carries the identity provider's error description.
func ProviderError(code, description string) *AppError {
	return New(ErrCodeProviderError, "Identity provider returned an error").
		WithDetails(map[string]string{"error": code, "description": description})
}

func TokenExchangeFailed(cause error) *AppError {
	return Wrap(ErrCodeTokenExchangeFailed, "Token exchange failed", cause)
}

func MissingSubjectClaim() *AppError {
	return New(ErrCodeMissingSubjectClaim, "Identity token has no subject claim")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Too many requests. Please try again later.")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func Configuration(message string) *AppError {
	return New(ErrCodeConfiguration, message)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsUpstream reports whether the code describes a provider-side failure.
func IsUpstream(code ErrorCode) bool {
	switch code {
	case ErrCodeTokenExchangeFailed, ErrCodeMissingSubjectClaim:
		return true
	}
	return false
}
