package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	otpDigits      = 6
	linkTokenBytes = 32
	defaultOTPTTL  = 5 * time.Minute
	defaultLinkTTL = 24 * time.Hour
)

var otpUpperBound = big.NewInt(1_000_000)

// Verifier issues and redeems single-use codes. It never delivers them.
type Verifier struct {
	store   Store
	otpTTL  time.Duration
	linkTTL time.Duration
	now     func() time.Time
}

func NewVerifier(store Store, otpTTL, linkTTL time.Duration) *Verifier {
	if otpTTL <= 0 {
		otpTTL = defaultOTPTTL
	}
	if linkTTL <= 0 {
		linkTTL = defaultLinkTTL
	}
	return &Verifier{store: store, otpTTL: otpTTL, linkTTL: linkTTL, now: time.Now}
}

func (v *Verifier) Issue(ctx context.Context, userID string, purpose Purpose) (IssuedCode, error) {
	if !purpose.Valid() {
		return IssuedCode{}, fmt.Errorf("unknown verification purpose %q", purpose)
	}

	var (
		code string
		ttl  time.Duration
		err  error
	)
	if purpose.Numeric() {
		code, err = randomOTP()
		ttl = v.otpTTL
	} else {
		code, err = randomLinkToken()
		ttl = v.linkTTL
	}
	if err != nil {
		return IssuedCode{}, fmt.Errorf("generate verification code: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return IssuedCode{}, fmt.Errorf("generate verification id: %w", err)
	}

	now := v.now().UTC()
	token := VerificationToken{
		ID:        id.String(),
		UserID:    userID,
		Purpose:   purpose,
		TokenHash: hashCode(code),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := v.store.InsertVerificationToken(ctx, token); err != nil {
		return IssuedCode{}, storeError("insert verification token", err)
	}

	return IssuedCode{TokenID: token.ID, Code: code, Purpose: purpose, ExpiresAt: token.ExpiresAt}, nil
}

// Redeem consumes code. subjectHint, when set, must own the code. On success the used flag
// and effect commit together.
func (v *Verifier) Redeem(ctx context.Context, code string, purpose Purpose, subjectHint string, effect VerificationEffect) (VerificationToken, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return VerificationToken{}, ErrCodeNotFound
	}
	if purpose.Numeric() && !isOTP(code) {
		return VerificationToken{}, ErrCodeNotFound
	}

	token, err := v.store.GetVerificationTokenByCode(ctx, hashCode(code), purpose, subjectHint)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return VerificationToken{}, ErrCodeNotFound
		}
		return VerificationToken{}, storeError("get verification token", err)
	}

	if subjectHint != "" && token.UserID != subjectHint {
		return VerificationToken{}, ErrCodeMismatch
	}
	if token.Used {
		return VerificationToken{}, ErrCodeAlreadyUsed
	}
	now := v.now().UTC()
	if !now.Before(token.ExpiresAt) {
		return VerificationToken{}, ErrCodeExpired
	}

	if err := v.store.MarkVerificationTokenUsed(ctx, token.ID, effect, now); err != nil {
		if errors.Is(err, ErrCodeAlreadyUsed) || errors.Is(err, ErrCodeExpired) {
			return VerificationToken{}, err
		}
		return VerificationToken{}, storeError("mark verification token used", err)
	}

	token.Used = true
	token.UsedAt = &now
	return token, nil
}

func randomOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpUpperBound)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

func randomLinkToken() (string, error) {
	b := make([]byte, linkTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func isOTP(code string) bool {
	if len(code) != otpDigits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
