package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// Repository is the Postgres-backed Store.
type Repository struct {
	db *sql.DB
}

type CleanupResult struct {
	DeletedVerifications int64 `json:"deleted_verifications"`
	DeletedIPLimits      int64 `json:"deleted_ip_limits"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, email, password_hash, email_verified, twofa_enabled, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.EmailVerified, &user.TwoFAEnabled, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	return user, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE lower(email) = lower($1)
	`, email))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("query user by email: %w", err)
	}
	return user, err
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("query user by id: %w", err)
	}
	return user, err
}

func (r *Repository) InsertUser(ctx context.Context, user User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, email_verified, twofa_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.Email, user.PasswordHash, user.EmailVerified, user.TwoFAEnabled, user.CreatedAt.UTC(), user.UpdatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrEmailInUse
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, userID, passwordHash string, revokeSessions bool, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin password tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, now.UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("password hash rows affected: %w", err)
	} else if affected == 0 {
		return ErrNotFound
	}

	if revokeSessions {
		if err := revokeUserSessions(ctx, tx, userID, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit password tx: %w", err)
	}
	return nil
}

func (r *Repository) UpdateUserFlags(ctx context.Context, userID string, flags UserFlags, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET
			email_verified = COALESCE($2::boolean, email_verified),
			twofa_enabled = COALESCE($3::boolean, twofa_enabled),
			updated_at = $4
		WHERE id = $1
	`, userID, flags.EmailVerified, flags.TwoFAEnabled, now.UTC())
	if err != nil {
		return fmt.Errorf("update user flags: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user flags rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLoginAttempt returns a zero-count attempt when the email has no row.
func (r *Repository) GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error) {
	attempt := LoginAttempt{Email: email}

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT attempts, last_attempt_at, locked_until
		FROM login_attempts
		WHERE email = $1
	`, email).Scan(&attempt.Attempts, &attempt.LastAttemptAt, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, fmt.Errorf("query login attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

// UpsertLoginAttemptOnFailure defers to record_login_failure, a single upsert statement,
// so concurrent failures for one email are all counted.
func (r *Repository) UpsertLoginAttemptOnFailure(ctx context.Context, email string, maxAttempts int, lockWindow time.Duration, now time.Time) (*time.Time, error) {
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT record_login_failure($1, $2, $3::interval, $4)
	`, email, maxAttempts, fmt.Sprintf("%d milliseconds", lockWindow.Milliseconds()), now.UTC()).Scan(&lockedUntil)
	if err != nil {
		return nil, fmt.Errorf("record login failure: %w", err)
	}
	if !lockedUntil.Valid {
		return nil, nil
	}
	value := lockedUntil.Time.UTC()
	return &value, nil
}

func (r *Repository) ResetLoginAttempt(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE login_attempts
		SET attempts = 0, locked_until = NULL
		WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}
	return nil
}

func (r *Repository) InsertRefreshToken(ctx context.Context, record RefreshTokenRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, family_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, record.ID, record.UserID, record.FamilyID, record.CreatedAt.UTC(), nullableTime(record.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

func (r *Repository) GetRefreshToken(ctx context.Context, id, userID string) (RefreshTokenRecord, error) {
	record := RefreshTokenRecord{}
	var (
		revokedAt  sql.NullTime
		replacedBy sql.NullString
		expiresAt  sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, family_id, revoked, revoked_at, replaced_by, created_at, expires_at
		FROM refresh_tokens
		WHERE id = $1 AND user_id = $2
	`, id, userID).Scan(&record.ID, &record.UserID, &record.FamilyID, &record.Revoked, &revokedAt, &replacedBy, &record.CreatedAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshTokenRecord{}, ErrNotFound
		}
		return RefreshTokenRecord{}, fmt.Errorf("query refresh token: %w", err)
	}

	if revokedAt.Valid {
		value := revokedAt.Time.UTC()
		record.RevokedAt = &value
	}
	if expiresAt.Valid {
		value := expiresAt.Time.UTC()
		record.ExpiresAt = &value
	}
	record.ReplacedBy = replacedBy.String
	return record, nil
}

func (r *Repository) RotateRefreshToken(ctx context.Context, oldID, userID string, next RefreshTokenRecord, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	var (
		revoked   bool
		expiresAt sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT revoked, expires_at
		FROM refresh_tokens
		WHERE id = $1 AND user_id = $2
		FOR UPDATE
	`, oldID, userID).Scan(&revoked, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionExpired
		}
		return fmt.Errorf("lock refresh token: %w", err)
	}

	if revoked {
		return ErrSessionRevoked
	}
	if expiresAt.Valid && !now.Before(expiresAt.Time) {
		return ErrSessionExpired
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, family_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, next.ID, userID, next.FamilyID, next.CreatedAt.UTC(), nullableTime(next.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert rotated refresh token: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2, replaced_by = $3
		WHERE id = $1
	`, oldID, now.UTC(), next.ID)
	if err != nil {
		return fmt.Errorf("revoke old refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refresh rotation tx: %w", err)
	}
	return nil
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, id string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
	`, id, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (r *Repository) RevokeRefreshTokenFamily(ctx context.Context, familyID string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2
		WHERE family_id = $1 AND revoked = FALSE
	`, familyID, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token family: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("refresh family rows affected: %w", err)
	}
	return affected, nil
}

func (r *Repository) InsertVerificationToken(ctx context.Context, token VerificationToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_verifications (id, user_id, purpose, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, token.ID, token.UserID, string(token.Purpose), token.TokenHash, token.ExpiresAt.UTC(), token.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert verification token: %w", err)
	}
	return nil
}

func (r *Repository) GetVerificationTokenByCode(ctx context.Context, tokenHash string, purpose Purpose, subjectHint string) (VerificationToken, error) {
	token := VerificationToken{}
	var (
		rawPurpose string
		usedAt     sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, purpose, token_hash, used, used_at, expires_at, created_at
		FROM email_verifications
		WHERE token_hash = $1 AND purpose = $2
		ORDER BY (user_id = $3) DESC, used ASC, created_at DESC
		LIMIT 1
	`, tokenHash, string(purpose), subjectHint).Scan(&token.ID, &token.UserID, &rawPurpose, &token.TokenHash, &token.Used, &usedAt, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return VerificationToken{}, ErrNotFound
		}
		return VerificationToken{}, fmt.Errorf("query verification token: %w", err)
	}

	token.Purpose = Purpose(rawPurpose)
	if usedAt.Valid {
		value := usedAt.Time.UTC()
		token.UsedAt = &value
	}
	return token, nil
}

func (r *Repository) MarkVerificationTokenUsed(ctx context.Context, tokenID string, effect VerificationEffect, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin verification tx: %w", err)
	}
	defer tx.Rollback()

	var userID string
	err = tx.QueryRowContext(ctx, `
		UPDATE email_verifications
		SET used = TRUE, used_at = $2
		WHERE id = $1 AND used = FALSE AND expires_at > $2
		RETURNING user_id
	`, tokenID, now.UTC()).Scan(&userID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("mark verification token used: %w", err)
		}
		return r.explainUnusable(ctx, tx, tokenID)
	}

	if effect.MarkEmailVerified || effect.EnableTwoFactor || effect.PasswordHash != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE users
			SET
				email_verified = email_verified OR $2,
				twofa_enabled = twofa_enabled OR $3,
				password_hash = COALESCE(NULLIF($4, ''), password_hash),
				updated_at = $5
			WHERE id = $1
		`, userID, effect.MarkEmailVerified, effect.EnableTwoFactor, effect.PasswordHash, now.UTC())
		if err != nil {
			return fmt.Errorf("apply verification effect: %w", err)
		}
	}

	if effect.RevokeSessions {
		if err := revokeUserSessions(ctx, tx, userID, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit verification tx: %w", err)
	}
	return nil
}

func (r *Repository) explainUnusable(ctx context.Context, tx *sql.Tx, tokenID string) error {
	var used bool
	err := tx.QueryRowContext(ctx, `SELECT used FROM email_verifications WHERE id = $1`, tokenID).Scan(&used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCodeNotFound
		}
		return fmt.Errorf("read verification token: %w", err)
	}
	if used {
		return ErrCodeAlreadyUsed
	}
	return ErrCodeExpired
}

func revokeUserSessions(ctx context.Context, tx *sql.Tx, userID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE, revoked_at = $2
		WHERE user_id = $1 AND revoked = FALSE
	`, userID, now.UTC())
	if err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

func (r *Repository) AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO login_ip_limits (ip, window_started_at, hits, updated_at)
		VALUES ($1, $2, 1, $2)
		ON CONFLICT (ip) DO UPDATE
		SET
			hits = CASE
				WHEN login_ip_limits.window_started_at <= $3 THEN 1
				ELSE login_ip_limits.hits + 1
			END,
			window_started_at = CASE
				WHEN login_ip_limits.window_started_at <= $3 THEN $2
				ELSE login_ip_limits.window_started_at
			END,
			updated_at = $2
		RETURNING hits, window_started_at
	`, ip, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert login ip rate limit: %w", err)
	}

	if hits <= maxHits {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}

// CleanupStaleAuthData prunes expired verification codes and idle IP windows. Lockout rows
// and refresh token records are kept: the lockout row is reused per email and refresh
// records are the revocation audit trail.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, verificationRetention, ipLimitRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if verificationRetention <= 0 {
		verificationRetention = 7 * 24 * time.Hour
	}
	if ipLimitRetention <= 0 {
		ipLimitRetention = 30 * 24 * time.Hour
	}

	now := time.Now().UTC()
	verificationCutoff := now.Add(-verificationRetention)
	ipLimitCutoff := now.Add(-ipLimitRetention)

	deletedVerifications, err := r.deleteBatch(ctx, "stale verifications", `
		WITH stale AS (
			SELECT id
			FROM email_verifications
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM email_verifications t
		USING stale
		WHERE t.id = stale.id
	`, verificationCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedIPLimits, err := r.deleteBatch(ctx, "stale login ip limits", `
		WITH stale AS (
			SELECT ip
			FROM login_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM login_ip_limits t
		USING stale
		WHERE t.ip = stale.ip
	`, ipLimitCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedVerifications: deletedVerifications,
		DeletedIPLimits:      deletedIPLimits,
	}, nil
}

func (r *Repository) deleteBatch(ctx context.Context, label, query string, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", label, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", label, err)
	}
	return affected, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
