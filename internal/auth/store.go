package auth

import (
	"context"
	"time"
)

// Store is the credential store the authenticator runs against. Implementations must make
// UpsertLoginAttemptOnFailure, RotateRefreshToken and MarkVerificationTokenUsed atomic:
// concurrent callers racing on the same row may not both succeed.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	InsertUser(ctx context.Context, user User) error
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string, revokeSessions bool, now time.Time) error
	UpdateUserFlags(ctx context.Context, userID string, flags UserFlags, now time.Time) error

	GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error)
	UpsertLoginAttemptOnFailure(ctx context.Context, email string, maxAttempts int, lockWindow time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, email string) error

	InsertRefreshToken(ctx context.Context, record RefreshTokenRecord) error
	GetRefreshToken(ctx context.Context, id, userID string) (RefreshTokenRecord, error)
	// RotateRefreshToken revokes oldID and inserts next in one transaction. It fails with
	// ErrSessionRevoked if oldID was already revoked and ErrSessionExpired if it is gone or expired.
	RotateRefreshToken(ctx context.Context, oldID, userID string, next RefreshTokenRecord, now time.Time) error
	RevokeRefreshToken(ctx context.Context, id string, now time.Time) error
	RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (int64, error)

	InsertVerificationToken(ctx context.Context, token VerificationToken) error
	// GetVerificationTokenByCode prefers the subject's own token when codes collide.
	GetVerificationTokenByCode(ctx context.Context, tokenHash string, purpose Purpose, subjectHint string) (VerificationToken, error)
	// MarkVerificationTokenUsed flips used=false to used=true and applies effect atomically.
	// It fails with ErrCodeAlreadyUsed or ErrCodeExpired when the flip is no longer allowed.
	MarkVerificationTokenUsed(ctx context.Context, tokenID string, effect VerificationEffect, now time.Time) error
}
