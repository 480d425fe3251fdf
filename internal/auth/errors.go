package auth

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrBadCredentials  = errors.New("invalid email or password")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrCodeExpired     = errors.New("code expired")
	ErrCodeAlreadyUsed = errors.New("code already used")
	ErrCodeMismatch    = errors.New("code does not belong to this account")
	ErrCodeNotFound    = errors.New("code not found")
	ErrEmailInUse      = errors.New("email already in use")
	ErrInvalidToken    = errors.New("invalid or expired token")

	// ErrRotationRaced means another request rotated the same refresh token moments ago.
	// It matches ErrSessionRevoked, but the session itself is still alive.
	ErrRotationRaced = fmt.Errorf("%w: rotated by a concurrent request", ErrSessionRevoked)

	// ErrNotFound is returned by Store lookups; the service never surfaces it as is.
	ErrNotFound = errors.New("record not found")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// LockedError refuses a login until Until, regardless of the password.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return "too many login attempts"
}

// RetryMinutes is the remaining lockout rounded up to whole minutes, at least 1.
func (e *LockedError) RetryMinutes(now time.Time) int {
	remaining := e.Until.Sub(now)
	minutes := int(math.Ceil(remaining.Minutes()))
	if minutes < 1 {
		return 1
	}
	return minutes
}

// StoreError wraps a transient failure of the credential store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// DeliveryError wraps a failure of the outbound email sender.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver email: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// IsAuthError reports whether err is one of the recoverable authentication outcomes.
func IsAuthError(err error) bool {
	var locked *LockedError
	if errors.As(err, &locked) {
		return true
	}
	for _, target := range []error{
		ErrBadCredentials, ErrSessionExpired, ErrSessionRevoked, ErrCodeExpired,
		ErrCodeAlreadyUsed, ErrCodeMismatch, ErrCodeNotFound, ErrInvalidToken,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
