package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"gallery-auth/internal/mail"
	"gallery-auth/internal/observability"
)

var errTestOutage = errors.New("connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore mirrors the conditional updates of Repository behind a single mutex.
type memStore struct {
	mu            sync.Mutex
	users         map[string]User
	attempts      map[string]LoginAttempt
	refresh       map[string]RefreshTokenRecord
	verifications map[string]VerificationToken
	failures      map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		users:         make(map[string]User),
		attempts:      make(map[string]LoginAttempt),
		refresh:       make(map[string]RefreshTokenRecord),
		verifications: make(map[string]VerificationToken),
		failures:      make(map[string]error),
	}
}

// failOn makes every call of op return err until cleared with a nil err.
func (m *memStore) failOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["GetUserByEmail"]; err != nil {
		return User{}, err
	}
	for _, user := range m.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *memStore) GetUserByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["GetUserByID"]; err != nil {
		return User{}, err
	}
	user, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (m *memStore) InsertUser(_ context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["InsertUser"]; err != nil {
		return err
	}
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return ErrEmailInUse
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memStore) UpdatePasswordHash(_ context.Context, userID, passwordHash string, revokeSessions bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["UpdatePasswordHash"]; err != nil {
		return err
	}
	user, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.UpdatedAt = now
	m.users[userID] = user
	if revokeSessions {
		m.revokeUserLocked(userID, now)
	}
	return nil
}

func (m *memStore) UpdateUserFlags(_ context.Context, userID string, flags UserFlags, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if flags.EmailVerified != nil {
		user.EmailVerified = *flags.EmailVerified
	}
	if flags.TwoFAEnabled != nil {
		user.TwoFAEnabled = *flags.TwoFAEnabled
	}
	user.UpdatedAt = now
	m.users[userID] = user
	return nil
}

func (m *memStore) GetLoginAttempt(_ context.Context, email string) (LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["GetLoginAttempt"]; err != nil {
		return LoginAttempt{}, err
	}
	attempt, ok := m.attempts[email]
	if !ok {
		return LoginAttempt{Email: email}, nil
	}
	return attempt, nil
}

func (m *memStore) UpsertLoginAttemptOnFailure(_ context.Context, email string, maxAttempts int, lockWindow time.Duration, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["UpsertLoginAttemptOnFailure"]; err != nil {
		return nil, err
	}

	attempt, ok := m.attempts[email]
	if !ok {
		attempt = LoginAttempt{Email: email}
	}
	attempt.LastAttemptAt = now

	if attempt.LockedUntil != nil && attempt.LockedUntil.After(now) {
		m.attempts[email] = attempt
		until := *attempt.LockedUntil
		return &until, nil
	}

	attempt.Attempts++
	attempt.LockedUntil = nil
	if attempt.Attempts >= maxAttempts {
		until := now.Add(lockWindow)
		attempt.Attempts = 0
		attempt.LockedUntil = &until
	}
	m.attempts[email] = attempt

	if attempt.LockedUntil == nil {
		return nil, nil
	}
	until := *attempt.LockedUntil
	return &until, nil
}

func (m *memStore) ResetLoginAttempt(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if attempt, ok := m.attempts[email]; ok {
		attempt.Attempts = 0
		attempt.LockedUntil = nil
		m.attempts[email] = attempt
	}
	return nil
}

func (m *memStore) InsertRefreshToken(_ context.Context, record RefreshTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["InsertRefreshToken"]; err != nil {
		return err
	}
	m.refresh[record.ID] = record
	return nil
}

func (m *memStore) GetRefreshToken(_ context.Context, id, userID string) (RefreshTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["GetRefreshToken"]; err != nil {
		return RefreshTokenRecord{}, err
	}
	record, ok := m.refresh[id]
	if !ok || record.UserID != userID {
		return RefreshTokenRecord{}, ErrNotFound
	}
	return record, nil
}

func (m *memStore) RotateRefreshToken(_ context.Context, oldID, userID string, next RefreshTokenRecord, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["RotateRefreshToken"]; err != nil {
		return err
	}
	old, ok := m.refresh[oldID]
	if !ok || old.UserID != userID {
		return ErrSessionExpired
	}
	if old.Revoked {
		return ErrSessionRevoked
	}
	if old.ExpiresAt != nil && !now.Before(*old.ExpiresAt) {
		return ErrSessionExpired
	}

	revokedAt := now
	old.Revoked = true
	old.RevokedAt = &revokedAt
	old.ReplacedBy = next.ID
	m.refresh[oldID] = old
	m.refresh[next.ID] = next
	return nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["RevokeRefreshToken"]; err != nil {
		return err
	}
	record, ok := m.refresh[id]
	if !ok {
		return nil
	}
	if !record.Revoked {
		revokedAt := now
		record.Revoked = true
		record.RevokedAt = &revokedAt
	}
	m.refresh[id] = record
	return nil
}

func (m *memStore) RevokeRefreshTokenFamily(_ context.Context, familyID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var revoked int64
	for id, record := range m.refresh {
		if record.FamilyID != familyID || record.Revoked {
			continue
		}
		revokedAt := now
		record.Revoked = true
		record.RevokedAt = &revokedAt
		m.refresh[id] = record
		revoked++
	}
	return revoked, nil
}

func (m *memStore) revokeUserLocked(userID string, now time.Time) {
	for id, record := range m.refresh {
		if record.UserID != userID || record.Revoked {
			continue
		}
		revokedAt := now
		record.Revoked = true
		record.RevokedAt = &revokedAt
		m.refresh[id] = record
	}
}

func (m *memStore) InsertVerificationToken(_ context.Context, token VerificationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["InsertVerificationToken"]; err != nil {
		return err
	}
	m.verifications[token.ID] = token
	return nil
}

func (m *memStore) GetVerificationTokenByCode(_ context.Context, tokenHash string, purpose Purpose, subjectHint string) (VerificationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		best  VerificationToken
		found bool
	)
	for _, token := range m.verifications {
		if token.TokenHash != tokenHash || token.Purpose != purpose {
			continue
		}
		if !found || verificationRank(token, subjectHint, best) {
			best = token
			found = true
		}
	}
	if !found {
		return VerificationToken{}, ErrNotFound
	}
	return best, nil
}

// verificationRank reports whether candidate sorts before current, following the
// ORDER BY of the Postgres lookup.
func verificationRank(candidate VerificationToken, subjectHint string, current VerificationToken) bool {
	candidateOwn := candidate.UserID == subjectHint
	currentOwn := current.UserID == subjectHint
	if candidateOwn != currentOwn {
		return candidateOwn
	}
	if candidate.Used != current.Used {
		return !candidate.Used
	}
	return candidate.CreatedAt.After(current.CreatedAt)
}

func (m *memStore) MarkVerificationTokenUsed(_ context.Context, tokenID string, effect VerificationEffect, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.verifications[tokenID]
	if !ok {
		return ErrCodeNotFound
	}
	if token.Used {
		return ErrCodeAlreadyUsed
	}
	if !now.Before(token.ExpiresAt) {
		return ErrCodeExpired
	}

	usedAt := now
	token.Used = true
	token.UsedAt = &usedAt
	m.verifications[tokenID] = token

	user, ok := m.users[token.UserID]
	if ok {
		user.EmailVerified = user.EmailVerified || effect.MarkEmailVerified
		user.TwoFAEnabled = user.TwoFAEnabled || effect.EnableTwoFactor
		if effect.PasswordHash != "" {
			user.PasswordHash = effect.PasswordHash
		}
		user.UpdatedAt = now
		m.users[token.UserID] = user
	}
	if effect.RevokeSessions {
		m.revokeUserLocked(token.UserID, now)
	}
	return nil
}

func (m *memStore) refreshRecord(id string) RefreshTokenRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh[id]
}

type recordingMailer struct {
	mu       sync.Mutex
	messages []mail.Message
	err      error
}

func (r *recordingMailer) Send(_ context.Context, msg mail.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingMailer) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingMailer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// last returns the newest message of kind sent to, failing the test if none was sent.
func (r *recordingMailer) last(t *testing.T, kind mail.Kind, to string) mail.Message {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Kind == kind && r.messages[i].To == to {
			return r.messages[i]
		}
	}
	t.Fatalf("no %s message sent to %s", kind, to)
	return mail.Message{}
}

type testEnv struct {
	clock   *fakeClock
	store   *memStore
	mailer  *recordingMailer
	codec   *TokenCodec
	service *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := newFakeClock()
	store := newMemStore()
	mailer := &recordingMailer{}
	codec := newTestCodec(t, clock)

	service := NewService(store, codec, mailer, observability.NewNopLogger())
	cfg := DefaultSecurityConfig()
	cfg.BcryptCost = bcrypt.MinCost
	cfg.BaseURL = "https://gallery.test"
	service.WithSecurityConfig(cfg)
	service.setClock(clock.Now)

	return &testEnv{clock: clock, store: store, mailer: mailer, codec: codec, service: service}
}

const testPassword = "correct-horse-9"

// seedUser stores a user with testPassword directly, bypassing signup.
func (e *testEnv) seedUser(t *testing.T, email string, verified, twoFA bool) User {
	t.Helper()
	hash, err := e.service.hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	now := e.clock.Now()
	user := User{
		ID:            "user-" + strings.SplitN(email, "@", 2)[0],
		Email:         email,
		PasswordHash:  hash,
		EmailVerified: verified,
		TwoFAEnabled:  twoFA,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.InsertUser(context.Background(), user); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return user
}

// login signs in a user without 2FA and returns the pair.
func (e *testEnv) login(t *testing.T, email, password string) TokenPair {
	t.Helper()
	result, err := e.service.Login(context.Background(), email, password)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if result.Status != LoginAuthenticated || result.Tokens == nil {
		t.Fatalf("expected authenticated login, got %+v", result)
	}
	return *result.Tokens
}
