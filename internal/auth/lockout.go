package auth

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute
)

// Lockout refuses logins for an email after too many consecutive failures.
type Lockout struct {
	store       Store
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

func NewLockout(store Store, maxAttempts int, window time.Duration) *Lockout {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if window <= 0 {
		window = defaultLockWindow
	}
	return &Lockout{store: store, maxAttempts: maxAttempts, window: window, now: time.Now}
}

// Check returns a *LockedError while the email's lockout window is open.
func (l *Lockout) Check(ctx context.Context, email string) error {
	attempt, err := l.store.GetLoginAttempt(ctx, email)
	if err != nil {
		return storeError("get login attempt", err)
	}
	now := l.now().UTC()
	if attempt.LockedUntil != nil && attempt.LockedUntil.After(now) {
		return &LockedError{Until: *attempt.LockedUntil}
	}
	return nil
}

// RecordFailure counts one failed attempt and returns the lock expiry if one is now active.
func (l *Lockout) RecordFailure(ctx context.Context, email string) (*time.Time, error) {
	lockedUntil, err := l.store.UpsertLoginAttemptOnFailure(ctx, email, l.maxAttempts, l.window, l.now().UTC())
	if err != nil {
		return nil, storeError("record login failure", err)
	}
	return lockedUntil, nil
}

func (l *Lockout) Reset(ctx context.Context, email string) error {
	return storeError("reset login attempt", l.store.ResetLoginAttempt(ctx, email))
}
