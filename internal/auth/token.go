package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingSigningSecret = errors.New("token signing secret is empty")

type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
	KindPending TokenKind = "pending_2fa"
)

const tokenIssuer = "gallery-auth"

type Claims struct {
	Kind TokenKind `json:"typ"`
	jwt.RegisteredClaims
}

// RotationID is the refresh-token rotation identifier carried in jti.
func (c Claims) RotationID() string {
	return c.ID
}

func (c Claims) UserID() string {
	return c.Subject
}

func (c Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// TokenCodec signs and verifies HS256 tokens. Verification fails closed.
type TokenCodec struct {
	secret []byte
	now    func() time.Time
}

func NewTokenCodec(secret string) (*TokenCodec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSigningSecret
	}
	return &TokenCodec{secret: []byte(secret), now: time.Now}, nil
}

func (c *TokenCodec) IssueAccess(userID string, ttl time.Duration) (string, time.Time, error) {
	return c.issue(KindAccess, userID, "", ttl)
}

func (c *TokenCodec) IssueRefresh(userID, rotationID string, ttl time.Duration) (string, time.Time, error) {
	if rotationID == "" {
		return "", time.Time{}, fmt.Errorf("refresh token requires a rotation id")
	}
	return c.issue(KindRefresh, userID, rotationID, ttl)
}

func (c *TokenCodec) IssuePending(userID string, ttl time.Duration) (string, time.Time, error) {
	return c.issue(KindPending, userID, "", ttl)
}

func (c *TokenCodec) issue(kind TokenKind, userID, rotationID string, ttl time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("token requires a subject")
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("token ttl must be positive")
	}

	now := c.now().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			ID:        rotationID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}

	// exp is serialized with second precision; report what verifiers will see.
	return encoded, claims.ExpiresAt.Time, nil
}

// Verify returns the claims of a well-formed, correctly signed, unexpired token.
// Every failure collapses to ErrInvalidToken.
func (c *TokenCodec) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	switch claims.Kind {
	case KindAccess, KindPending:
	case KindRefresh:
		if claims.ID == "" {
			return Claims{}, ErrInvalidToken
		}
	default:
		return Claims{}, ErrInvalidToken
	}

	return *claims, nil
}

func (c *TokenCodec) VerifyKind(raw string, kind TokenKind) (Claims, error) {
	claims, err := c.Verify(raw)
	if err != nil {
		return Claims{}, err
	}
	if claims.Kind != kind {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
