package auth

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the authentication flows. Handlers map these onto
// HTTP problem responses; services never return raw storage errors to
// callers.
var (
	// ErrInvalidCredentials covers both unknown-email and wrong-password.
	// The two cases are merged deliberately so the response does not reveal
	// whether an account exists.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrDuplicateEmail indicates the email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrDuplicateCredentialID indicates the credential document number is taken.
	ErrDuplicateCredentialID = errors.New("credential id already registered")
	// ErrSessionNotFound indicates a missing, expired or revoked session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTokenInvalid indicates a verification token that was never issued.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired indicates a verification token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenAlreadyUsed indicates a verification token consumed before.
	ErrTokenAlreadyUsed = errors.New("token already used")
	// ErrUnauthorized indicates the caller may not perform the operation.
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError reports a field-level input problem so the caller can
// render it next to the offending input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// RateLimited reports that the client key exhausted its attempt budget.
// ResetAt tells the caller when the window reopens.
type RateLimited struct {
	ResetAt time.Time
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited until %s", e.ResetAt.Format(time.RFC3339))
}

// expected reports whether err belongs to the caller-facing taxonomy.
// Anything else is a backend failure that must be logged before the handler
// collapses it into the generic 500.
func expected(err error) bool {
	var validation *ValidationError
	var limited *RateLimited
	if errors.As(err, &validation) || errors.As(err, &limited) {
		return true
	}
	for _, known := range []error{
		ErrInvalidCredentials, ErrDuplicateEmail, ErrDuplicateCredentialID,
		ErrSessionNotFound, ErrTokenInvalid, ErrTokenExpired,
		ErrTokenAlreadyUsed, ErrUnauthorized,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
