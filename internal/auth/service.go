package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"gallery-auth/internal/mail"
	"gallery-auth/internal/observability"
)

const (
	defaultAccessTTL        = 15 * time.Minute
	defaultRefreshTTL       = 14 * 24 * time.Hour
	defaultOperationTimeout = 10 * time.Second
	// A refresh record rotated less than this long ago was lost to a concurrent rotation,
	// not replayed, so it does not revoke the family.
	reuseGrace = 5 * time.Second
)

var validate = newValidator()

type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

type SecurityConfig struct {
	MaxAttempts                    int
	LockWindow                     time.Duration
	AccessTTL                      time.Duration
	RefreshTTL                     time.Duration
	OTPTTL                         time.Duration
	LinkTTL                        time.Duration
	BcryptCost                     int
	OperationTimeout               time.Duration
	RevokeFamilyOnReuse            bool
	RevokeSessionsOnPasswordChange bool
	// BaseURL prefixes email verification links.
	BaseURL string
}

// DefaultSecurityConfig is the canonical token lifetime pair and lockout policy.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxAttempts:                    defaultMaxAttempts,
		LockWindow:                     defaultLockWindow,
		AccessTTL:                      defaultAccessTTL,
		RefreshTTL:                     defaultRefreshTTL,
		OTPTTL:                         defaultOTPTTL,
		LinkTTL:                        defaultLinkTTL,
		OperationTimeout:               defaultOperationTimeout,
		RevokeFamilyOnReuse:            true,
		RevokeSessionsOnPasswordChange: true,
		BaseURL:                        "http://localhost:8080",
	}
}

// Service drives login, second factor, rotation, logout and password flows. It holds no
// mutable per-user state; everything lives in the Store.
type Service struct {
	store    Store
	codec    *TokenCodec
	mailer   Mailer
	logger   *observability.Logger
	hasher   *Hasher
	lockout  *Lockout
	verifier *Verifier
	cfg      SecurityConfig
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

func NewService(store Store, codec *TokenCodec, mailer Mailer, logger *observability.Logger) *Service {
	s := &Service{
		store:  store,
		codec:  codec,
		mailer: mailer,
		logger: logger,
		now:    time.Now,
	}
	s.WithSecurityConfig(DefaultSecurityConfig())
	return s
}

// WithSecurityConfig replaces the policy; zero values keep the defaults.
func (s *Service) WithSecurityConfig(cfg SecurityConfig) {
	defaults := DefaultSecurityConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.LockWindow <= 0 {
		cfg.LockWindow = defaults.LockWindow
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaults.AccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaults.RefreshTTL
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = defaults.OTPTTL
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = defaults.LinkTTL
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}

	s.cfg = cfg
	s.hasher = NewHasher(cfg.BcryptCost)
	s.lockout = NewLockout(s.store, cfg.MaxAttempts, cfg.LockWindow)
	s.verifier = NewVerifier(s.store, cfg.OTPTTL, cfg.LinkTTL)
	s.setClock(s.now)
}

func (s *Service) setClock(now func() time.Time) {
	s.now = now
	s.codec.now = now
	s.lockout.now = now
	s.verifier.now = now
}

func (s *Service) Config() SecurityConfig {
	return s.cfg
}

func (s *Service) begin(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

func (s *Service) Signup(ctx context.Context, email, password string) (SignupResult, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return SignupResult{}, err
	}
	if err := ValidatePassword(password); err != nil {
		return SignupResult{}, err
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return SignupResult{}, ErrEmailInUse
	} else if !errors.Is(err, ErrNotFound) {
		return SignupResult{}, storeError("get user by email", err)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return SignupResult{}, fmt.Errorf("hash password: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return SignupResult{}, fmt.Errorf("generate user id: %w", err)
	}

	now := s.now().UTC()
	user := User{ID: id.String(), Email: email, PasswordHash: hash, CreatedAt: now, UpdatedAt: now}
	if err := s.store.InsertUser(ctx, user); err != nil {
		if errors.Is(err, ErrEmailInUse) {
			return SignupResult{}, ErrEmailInUse
		}
		return SignupResult{}, storeError("insert user", err)
	}

	s.logger.Info("user_signed_up", map[string]any{"user_id": user.ID})
	return s.sendSignupCode(ctx, user)
}

func (s *Service) sendSignupCode(ctx context.Context, user User) (SignupResult, error) {
	issued, err := s.verifier.Issue(ctx, user.ID, PurposeSignup)
	if err != nil {
		return SignupResult{}, err
	}

	result := SignupResult{UserID: user.ID, Email: user.Email, ExpiresAt: issued.ExpiresAt, Code: issued.Code}
	err = s.deliver(ctx, mail.Message{To: user.Email, Kind: mail.KindSignupCode, Code: issued.Code, ExpiresAt: issued.ExpiresAt})
	return result, err
}

// VerifySignup redeems the signup code: the email becomes verified and 2FA is switched on.
func (s *Service) VerifySignup(ctx context.Context, email, code string) error {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	user, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrCodeNotFound
		}
		return storeError("get user by email", err)
	}

	_, err = s.verifier.Redeem(ctx, code, PurposeSignup, user.ID, VerificationEffect{
		MarkEmailVerified: true,
		EnableTwoFactor:   true,
	})
	return err
}

// ResendSignupCode issues a fresh signup code. Unknown and already verified emails get
// the same result without any mail being sent.
func (s *Service) ResendSignupCode(ctx context.Context, email string) (SignupResult, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	email = normalizeEmail(email)
	accepted := SignupResult{Email: email, ExpiresAt: s.now().UTC().Add(s.cfg.OTPTTL)}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return accepted, nil
		}
		return SignupResult{}, storeError("get user by email", err)
	}
	if user.EmailVerified {
		return accepted, nil
	}
	return s.sendSignupCode(ctx, user)
}

// Login checks credentials. With 2FA enabled it returns LoginPending2FA and emails a code;
// the returned result stays usable for ResendCode when delivery fails with *DeliveryError.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	email = normalizeEmail(email)
	if email == "" {
		return LoginResult{}, newValidationError("email", "is required")
	}
	if password == "" {
		return LoginResult{}, newValidationError("password", "is required")
	}

	if err := s.lockout.Check(ctx, email); err != nil {
		return LoginResult{}, err
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return LoginResult{}, storeError("get user by email", err)
		}
		// Same bcrypt work as a real mismatch so timing does not reveal the account.
		s.hasher.Verify(password, s.dummyPasswordHash())
		return LoginResult{}, s.failLogin(ctx, email)
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return LoginResult{}, s.failLogin(ctx, email)
	}
	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.upgradeHash(ctx, user.ID, password)
	}

	if err := s.lockout.Reset(ctx, email); err != nil {
		return LoginResult{}, err
	}

	if user.TwoFAEnabled {
		return s.beginSecondFactor(ctx, user)
	}

	pair, err := s.startSession(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}
	s.logger.Info("login_succeeded", map[string]any{"user_id": user.ID})
	return LoginResult{Status: LoginAuthenticated, Tokens: &pair}, nil
}

func (s *Service) failLogin(ctx context.Context, email string) error {
	lockedUntil, err := s.lockout.RecordFailure(ctx, email)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		s.logger.Warn("login_locked", map[string]any{"email": email, "locked_until": lockedUntil.Format(time.RFC3339)})
	}
	return ErrBadCredentials
}

// upgradeHash re-hashes a verified password at the configured cost. Failures only log;
// the login itself already succeeded.
func (s *Service) upgradeHash(ctx context.Context, userID, password string) {
	hash, err := s.hasher.Hash(password)
	if err == nil {
		err = s.store.UpdatePasswordHash(ctx, userID, hash, false, s.now().UTC())
	}
	if err != nil {
		s.logger.Warn("password_rehash_failed", map[string]any{"user_id": userID, "error": err})
		return
	}
	s.logger.Info("password_rehashed", map[string]any{"user_id": userID})
}

func (s *Service) dummyPasswordHash() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(uuid.NewString())
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}

func (s *Service) beginSecondFactor(ctx context.Context, user User) (LoginResult, error) {
	pending, code, err := s.issueLoginCode(ctx, user)
	if err != nil && pending.Token == "" {
		return LoginResult{}, err
	}
	s.logger.Info("login_pending_2fa", map[string]any{"user_id": user.ID})
	return LoginResult{Status: LoginPending2FA, Pending: &pending, Code: code}, err
}

func (s *Service) issueLoginCode(ctx context.Context, user User) (PendingIdentity, string, error) {
	issued, err := s.verifier.Issue(ctx, user.ID, PurposeLogin2FA)
	if err != nil {
		return PendingIdentity{}, "", err
	}
	token, expiresAt, err := s.codec.IssuePending(user.ID, s.cfg.OTPTTL)
	if err != nil {
		return PendingIdentity{}, "", err
	}

	pending := PendingIdentity{UserID: user.ID, Email: user.Email, Token: token, ExpiresAt: expiresAt}
	err = s.deliver(ctx, mail.Message{To: user.Email, Kind: mail.KindLoginCode, Code: issued.Code, ExpiresAt: issued.ExpiresAt})
	return pending, issued.Code, err
}

// resolvePending returns the user id a pending identity stands for. A signed handle wins;
// a bare UserID is accepted for in-process callers.
func (s *Service) resolvePending(pending PendingIdentity) (string, error) {
	if pending.Token == "" {
		if pending.UserID == "" {
			return "", ErrSessionExpired
		}
		return pending.UserID, nil
	}

	claims, err := s.codec.VerifyKind(pending.Token, KindPending)
	if err != nil {
		return "", ErrSessionExpired
	}
	if pending.UserID != "" && pending.UserID != claims.UserID() {
		return "", ErrCodeMismatch
	}
	return claims.UserID(), nil
}

func (s *Service) Redeem2FA(ctx context.Context, code string, pending PendingIdentity) (TokenPair, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	userID, err := s.resolvePending(pending)
	if err != nil {
		return TokenPair{}, err
	}

	if _, err := s.verifier.Redeem(ctx, code, PurposeLogin2FA, userID, VerificationEffect{}); err != nil {
		return TokenPair{}, err
	}

	pair, err := s.startSession(ctx, userID)
	if err != nil {
		return TokenPair{}, err
	}
	s.logger.Info("login_succeeded", map[string]any{"user_id": userID, "second_factor": true})
	return pair, nil
}

// ResendCode issues a new login code for a pending identity and returns a fresh handle.
func (s *Service) ResendCode(ctx context.Context, pending PendingIdentity) (PendingIdentity, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	userID, err := s.resolvePending(pending)
	if err != nil {
		return PendingIdentity{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return PendingIdentity{}, ErrSessionExpired
		}
		return PendingIdentity{}, storeError("get user by id", err)
	}

	next, _, err := s.issueLoginCode(ctx, user)
	return next, err
}

// startSession opens a new token family. The record is stored before any token is minted.
func (s *Service) startSession(ctx context.Context, userID string) (TokenPair, error) {
	rotationID, err := newRotationID()
	if err != nil {
		return TokenPair{}, err
	}

	now := s.now().UTC()
	expiresAt := now.Add(s.cfg.RefreshTTL)
	record := RefreshTokenRecord{
		ID:        rotationID,
		UserID:    userID,
		FamilyID:  rotationID,
		CreatedAt: now,
		ExpiresAt: &expiresAt,
	}
	if err := s.store.InsertRefreshToken(ctx, record); err != nil {
		return TokenPair{}, storeError("insert refresh token", err)
	}

	return s.mintPair(userID, rotationID)
}

func (s *Service) mintPair(userID, rotationID string) (TokenPair, error) {
	access, accessExp, err := s.codec.IssueAccess(userID, s.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := s.codec.IssueRefresh(userID, rotationID, s.cfg.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		UserID:           userID,
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		ExpiresIn:        int64(s.cfg.AccessTTL.Seconds()),
	}, nil
}

// Refresh rotates a refresh token: each one is good for exactly one successful call.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	claims, err := s.codec.VerifyKind(refreshToken, KindRefresh)
	if err != nil {
		return TokenPair{}, ErrSessionExpired
	}
	userID := claims.UserID()

	record, err := s.store.GetRefreshToken(ctx, claims.RotationID(), userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrSessionExpired
		}
		return TokenPair{}, storeError("get refresh token", err)
	}

	now := s.now().UTC()
	if record.Revoked {
		if record.ReplacedBy != "" && record.RevokedAt != nil && now.Sub(*record.RevokedAt) <= reuseGrace {
			return TokenPair{}, ErrRotationRaced
		}
		s.handleReuse(ctx, record, now)
		return TokenPair{}, ErrSessionRevoked
	}
	if !record.Active(now) {
		return TokenPair{}, ErrSessionExpired
	}

	rotationID, err := newRotationID()
	if err != nil {
		return TokenPair{}, err
	}
	expiresAt := now.Add(s.cfg.RefreshTTL)
	next := RefreshTokenRecord{
		ID:        rotationID,
		UserID:    userID,
		FamilyID:  record.FamilyID,
		CreatedAt: now,
		ExpiresAt: &expiresAt,
	}

	if err := s.store.RotateRefreshToken(ctx, record.ID, userID, next, now); err != nil {
		if errors.Is(err, ErrSessionRevoked) {
			return TokenPair{}, ErrRotationRaced
		}
		if errors.Is(err, ErrSessionExpired) {
			return TokenPair{}, err
		}
		return TokenPair{}, storeError("rotate refresh token", err)
	}

	return s.mintPair(userID, rotationID)
}

func (s *Service) handleReuse(ctx context.Context, record RefreshTokenRecord, now time.Time) {
	fields := map[string]any{"user_id": record.UserID, "rotation_id": record.ID, "family_id": record.FamilyID}
	if !s.cfg.RevokeFamilyOnReuse {
		s.logger.Warn("refresh_token_reuse_detected", fields)
		return
	}

	revoked, err := s.store.RevokeRefreshTokenFamily(ctx, record.FamilyID, now)
	if err != nil {
		fields["error"] = err
		s.logger.Error("refresh_family_revoke_failed", fields)
		return
	}
	fields["revoked"] = revoked
	s.logger.Warn("refresh_token_reuse_detected", fields)
}

// Logout revokes the presented refresh token if it can. It never fails: the caller clears
// cookies regardless.
func (s *Service) Logout(ctx context.Context, refreshToken string) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	claims, err := s.codec.VerifyKind(refreshToken, KindRefresh)
	if err != nil {
		return
	}
	if err := s.store.RevokeRefreshToken(ctx, claims.RotationID(), s.now().UTC()); err != nil {
		s.logger.Error("logout_revoke_failed", map[string]any{"user_id": claims.UserID(), "error": err})
		return
	}
	s.logger.Info("logout", map[string]any{"user_id": claims.UserID()})
}

// ChangePassword re-authenticates with a valid access token or the current password,
// stores the new hash and returns a fresh token pair for the caller.
func (s *Service) ChangePassword(ctx context.Context, req ChangePasswordRequest) (TokenPair, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	userID, err := s.reauthenticate(ctx, req)
	if err != nil {
		return TokenPair{}, err
	}

	if err := ValidatePassword(req.NewPassword); err != nil {
		return TokenPair{}, err
	}
	if req.CurrentPassword != "" && req.CurrentPassword == req.NewPassword {
		return TokenPair{}, newValidationError("new_password", "must differ from the current password")
	}

	hash, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return TokenPair{}, fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdatePasswordHash(ctx, userID, hash, s.cfg.RevokeSessionsOnPasswordChange, s.now().UTC()); err != nil {
		return TokenPair{}, storeError("update password hash", err)
	}

	s.logger.Info("password_changed", map[string]any{"user_id": userID})
	return s.startSession(ctx, userID)
}

func (s *Service) reauthenticate(ctx context.Context, req ChangePasswordRequest) (string, error) {
	if req.AccessToken != "" && req.CurrentPassword == "" {
		claims, err := s.codec.VerifyKind(req.AccessToken, KindAccess)
		if err != nil {
			return "", ErrSessionExpired
		}
		if req.UserID != "" && req.UserID != claims.UserID() {
			return "", ErrBadCredentials
		}
		return claims.UserID(), nil
	}

	if req.UserID == "" || req.CurrentPassword == "" {
		return "", newValidationError("current_password", "is required")
	}
	user, err := s.store.GetUserByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrBadCredentials
		}
		return "", storeError("get user by id", err)
	}
	if err := s.lockout.Check(ctx, user.Email); err != nil {
		return "", err
	}
	if !s.hasher.Verify(req.CurrentPassword, user.PasswordHash) {
		return "", s.failLogin(ctx, user.Email)
	}
	return user.ID, nil
}

// RequestPasswordReset emails a reset code. The result is identical for unknown emails.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (ForgotPasswordResult, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	email = normalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return ForgotPasswordResult{}, err
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ForgotPasswordResult{Email: email, ExpiresAt: s.now().UTC().Add(s.cfg.OTPTTL)}, nil
		}
		return ForgotPasswordResult{}, storeError("get user by email", err)
	}

	issued, err := s.verifier.Issue(ctx, user.ID, PurposePasswordReset)
	if err != nil {
		return ForgotPasswordResult{}, err
	}
	result := ForgotPasswordResult{Email: email, ExpiresAt: issued.ExpiresAt, Code: issued.Code}
	err = s.deliver(ctx, mail.Message{To: user.Email, Kind: mail.KindPasswordReset, Code: issued.Code, ExpiresAt: issued.ExpiresAt})
	return result, err
}

// ResetPassword redeems a reset code, replaces the hash, revokes every session and
// clears the lockout for the email.
func (s *Service) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	email = normalizeEmail(email)
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrCodeNotFound
		}
		return storeError("get user by email", err)
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if _, err := s.verifier.Redeem(ctx, code, PurposePasswordReset, user.ID, VerificationEffect{
		PasswordHash:   hash,
		RevokeSessions: true,
	}); err != nil {
		return err
	}

	s.logger.Info("password_reset", map[string]any{"user_id": user.ID})
	return s.lockout.Reset(ctx, email)
}

// SendVerificationLink emails a one-time link that marks the address verified.
func (s *Service) SendVerificationLink(ctx context.Context, userID string) (time.Time, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return time.Time{}, ErrSessionExpired
		}
		return time.Time{}, storeError("get user by id", err)
	}
	if user.EmailVerified {
		return time.Time{}, newValidationError("email", "is already verified")
	}

	issued, err := s.verifier.Issue(ctx, user.ID, PurposeEmailLink)
	if err != nil {
		return time.Time{}, err
	}
	link := s.cfg.BaseURL + "/auth/verify-email?token=" + url.QueryEscape(issued.Code)
	err = s.deliver(ctx, mail.Message{To: user.Email, Kind: mail.KindVerifyLink, Link: link, ExpiresAt: issued.ExpiresAt})
	return issued.ExpiresAt, err
}

func (s *Service) VerifyEmailLink(ctx context.Context, token string) error {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	redeemed, err := s.verifier.Redeem(ctx, token, PurposeEmailLink, "", VerificationEffect{MarkEmailVerified: true})
	if err != nil {
		return err
	}
	s.logger.Info("email_verified", map[string]any{"user_id": redeemed.UserID})
	return nil
}

// SetTwoFactor toggles the second factor after re-checking the password.
func (s *Service) SetTwoFactor(ctx context.Context, userID, password string, enabled bool) (User, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrSessionExpired
		}
		return User{}, storeError("get user by id", err)
	}
	if err := s.lockout.Check(ctx, user.Email); err != nil {
		return User{}, err
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return User{}, s.failLogin(ctx, user.Email)
	}
	if enabled && !user.EmailVerified {
		return User{}, newValidationError("email", "must be verified before enabling two-factor")
	}

	if err := s.store.UpdateUserFlags(ctx, user.ID, UserFlags{TwoFAEnabled: &enabled}, s.now().UTC()); err != nil {
		return User{}, storeError("update user flags", err)
	}
	user.TwoFAEnabled = enabled
	return user, nil
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (User, error) {
	ctx, cancel := s.begin(ctx)
	defer cancel()

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrSessionExpired
		}
		return User{}, storeError("get user by id", err)
	}
	return user, nil
}

func (s *Service) deliver(ctx context.Context, msg mail.Message) error {
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.logger.Error("mail_delivery_failed", map[string]any{"kind": string(msg.Kind), "error": err})
		return &DeliveryError{Err: err}
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return newValidationError("email", "is required")
	}
	if err := validate.Var(email, "email,max=254"); err != nil {
		return newValidationError("email", "is not a valid address")
	}
	return nil
}

func newRotationID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate rotation id: %w", err)
	}
	return id.String(), nil
}
