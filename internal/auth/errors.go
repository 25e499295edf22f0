package auth

import (
	"errors"
	"time"
)

// Domain outcomes of the auth use cases. Only the HTTP handler translates
// them into status codes.
var (
	ErrIncorrectCredentials    = errors.New("incorrect username or password")
	ErrAccountInactive         = errors.New("account is inactive")
	ErrEmailNotVerified        = errors.New("email not verified")
	ErrInvalidOrExpiredSession = errors.New("invalid or expired refresh token")
	ErrUserNotFoundOrInactive  = errors.New("user not found or inactive")
	ErrSessionNotFound         = errors.New("session not found")
	ErrInvalidOrExpiredToken   = errors.New("invalid or expired token")
	ErrIncorrectPassword       = errors.New("incorrect password")
	ErrUnauthenticated         = errors.New("could not validate credentials")
	ErrForbidden               = errors.New("not enough permissions")
	ErrUserNotFound            = errors.New("user not found")
	ErrInactiveUser            = errors.New("inactive user")
	ErrSubjectNotFound         = errors.New("token subject not found")

	ErrWeakPassword    = errors.New("weak password")
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidEmail    = errors.New("invalid email")
)

// LockedError reports an active lockout and how long it still lasts.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string { return "account temporarily locked" }

// PolicyError carries a user-facing reason for a rejected input. Err is one
// of ErrWeakPassword, ErrInvalidUsername or ErrInvalidEmail.
type PolicyError struct {
	Err    error
	Reason string
}

func (e *PolicyError) Error() string { return e.Reason }
func (e *PolicyError) Unwrap() error { return e.Err }
