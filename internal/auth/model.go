package auth

import "time"

type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	EmailVerified bool      `json:"email_verified"`
	TwoFAEnabled  bool      `json:"twofa_enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UserFlags is the mutable part of a user touched by verification and 2FA toggling.
// Nil fields are left unchanged.
type UserFlags struct {
	EmailVerified *bool
	TwoFAEnabled  *bool
}

type LoginAttempt struct {
	Email         string
	Attempts      int
	LastAttemptAt time.Time
	LockedUntil   *time.Time
}

type RefreshTokenRecord struct {
	ID         string
	UserID     string
	FamilyID   string
	Revoked    bool
	RevokedAt  *time.Time
	ReplacedBy string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// Active reports whether the record may still be trusted at now.
func (r RefreshTokenRecord) Active(now time.Time) bool {
	if r.Revoked {
		return false
	}
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

type Purpose string

const (
	PurposeLogin2FA      Purpose = "login_2fa"
	PurposeSignup        Purpose = "signup"
	PurposeEmailLink     Purpose = "email_link"
	PurposePasswordReset Purpose = "password_reset"
)

// Numeric reports whether codes for the purpose are 6-digit OTPs rather than link tokens.
func (p Purpose) Numeric() bool {
	return p != PurposeEmailLink
}

func (p Purpose) Valid() bool {
	switch p {
	case PurposeLogin2FA, PurposeSignup, PurposeEmailLink, PurposePasswordReset:
		return true
	}
	return false
}

type VerificationToken struct {
	ID        string
	UserID    string
	Purpose   Purpose
	TokenHash string
	Used      bool
	UsedAt    *time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}

// VerificationEffect is applied to the owning user in the same transaction that marks
// a verification token used.
type VerificationEffect struct {
	MarkEmailVerified bool
	EnableTwoFactor   bool
	PasswordHash      string
	RevokeSessions    bool
}

type TokenPair struct {
	UserID           string    `json:"user_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	ExpiresIn        int64     `json:"expires_in"`
}

type LoginStatus string

const (
	LoginAuthenticated LoginStatus = "authenticated"
	LoginPending2FA    LoginStatus = "pending_2fa"
)

// PendingIdentity carries a credential-checked user between login and 2FA redemption.
type PendingIdentity struct {
	UserID string `json:"-"`
	Email  string `json:"email"`
	// Token is a signed pending_2fa handle the client echoes back with the code.
	Token     string    `json:"pending_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type LoginResult struct {
	Status  LoginStatus      `json:"status"`
	Tokens  *TokenPair       `json:"-"`
	Pending *PendingIdentity `json:"pending,omitempty"`
	// Code is the issued OTP; it is emailed and never serialized.
	Code string `json:"-"`
}

type SignupResult struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"code_expires_at"`
	Code      string    `json:"-"`
}

type ForgotPasswordResult struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"code_expires_at"`
	Code      string    `json:"-"`
}

type IssuedCode struct {
	TokenID   string
	Code      string
	Purpose   Purpose
	ExpiresAt time.Time
}

type ChangePasswordRequest struct {
	// Either AccessToken or UserID+CurrentPassword re-authenticates the caller.
	AccessToken     string
	UserID          string
	CurrentPassword string
	NewPassword     string
}
