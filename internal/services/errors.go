package services

import (
	"errors"
	"strings"
)

var (
	// ErrValidation is matched by *ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidCredentials is returned when the login or password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountInactive is returned on login to a deactivated account.
	ErrAccountInactive = errors.New("account is not active")
	// ErrAlreadyExists is returned when a username or email is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrMissingToken is returned when a request carries no bearer token.
	ErrMissingToken = errors.New("missing token")
	// ErrUnauthorized is matched by every *AuthError.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when an identity lacks the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable wraps unexpected persistence failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrTooManyAttempts is returned while a login is throttled.
	ErrTooManyAttempts = errors.New("too many login attempts")
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Gate rejection reasons. They are logged and counted but never returned to
// clients.
const (
	ReasonMissingToken    = "missing_token"
	ReasonMalformed       = "malformed"
	ReasonBadSignature    = "bad_signature"
	ReasonExpired         = "expired"
	ReasonSessionNotFound = "session_not_found"
	ReasonSessionInactive = "session_inactive"
	ReasonSessionExpired  = "session_expired"
	ReasonUserInactive    = "user_inactive"
)

// AuthError is an auth gate rejection. It matches ErrUnauthorized and
// unwraps to the underlying cause.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	return "unauthorized: " + e.Reason
}

func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
