package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Authentication errors. Callers must never learn whether the username
	// or the password was the failing field.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// Two-factor challenge errors
	ErrChallengeNotFound        = errors.New("invalid or expired challenge")
	ErrChallengeAddressMismatch = errors.New("challenge address mismatch")
	ErrChallengeMismatch        = errors.New("challenge does not match user")
	ErrTooManyAttempts          = errors.New("too many failed code attempts")
	ErrInvalidCode              = errors.New("invalid verification code")
	ErrTwoFactorUnavailable     = errors.New("two-factor capability unavailable")

	// Session errors
	ErrSessionExpired         = errors.New("session invalid or expired")
	ErrSessionAddressMismatch = errors.New("session address mismatch")

	ErrMalformedInput = errors.New("malformed input")
)

// RateLimitError signals a locked-out client and carries the remaining wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many failed attempts, retry in %d seconds", int(e.RetryAfter.Seconds()))
}
