package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestVerifier(clock *fakeClock, store Store) *Verifier {
	verifier := NewVerifier(store, 5*time.Minute, 24*time.Hour)
	verifier.now = clock.Now
	return verifier
}

func TestIssueProducesSixDigitCodesAndLinkTokens(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	verifier := newTestVerifier(clock, store)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		issued, err := verifier.Issue(ctx, "user-1", PurposeLogin2FA)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if !isOTP(issued.Code) {
			t.Fatalf("expected 6 digit code, got %q", issued.Code)
		}
		if !issued.ExpiresAt.Equal(clock.Now().Add(5 * time.Minute)) {
			t.Fatalf("unexpected otp expiry %s", issued.ExpiresAt)
		}
	}

	link, err := verifier.Issue(ctx, "user-1", PurposeEmailLink)
	if err != nil {
		t.Fatalf("issue link: %v", err)
	}
	if len(link.Code) < 40 || isOTP(link.Code) {
		t.Fatalf("expected opaque link token, got %q", link.Code)
	}
	if !link.ExpiresAt.Equal(clock.Now().Add(24 * time.Hour)) {
		t.Fatalf("unexpected link expiry %s", link.ExpiresAt)
	}

	stored := store.verifications[link.TokenID]
	if stored.TokenHash == link.Code || stored.TokenHash != hashCode(link.Code) {
		t.Fatal("codes must be stored hashed")
	}

	if _, err := verifier.Issue(ctx, "user-1", Purpose("bogus")); err == nil {
		t.Fatal("expected unknown purpose to fail")
	}
}

func TestRedeemOutcomes(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	verifier := newTestVerifier(clock, store)
	ctx := context.Background()

	issued, err := verifier.Issue(ctx, "user-1", PurposeSignup)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := verifier.Redeem(ctx, issued.Code, PurposeLogin2FA, "user-1", VerificationEffect{}); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("code must not redeem for another purpose, got %v", err)
	}
	if _, err := verifier.Redeem(ctx, issued.Code, PurposeSignup, "user-2", VerificationEffect{}); !errors.Is(err, ErrCodeMismatch) {
		t.Fatalf("expected ErrCodeMismatch, got %v", err)
	}
	if _, err := verifier.Redeem(ctx, "", PurposeSignup, "user-1", VerificationEffect{}); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound for empty code, got %v", err)
	}

	token, err := verifier.Redeem(ctx, " "+issued.Code+" ", PurposeSignup, "user-1", VerificationEffect{})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !token.Used || token.UsedAt == nil {
		t.Fatalf("expected used token, got %+v", token)
	}

	if _, err := verifier.Redeem(ctx, issued.Code, PurposeSignup, "user-1", VerificationEffect{}); !errors.Is(err, ErrCodeAlreadyUsed) {
		t.Fatalf("expected ErrCodeAlreadyUsed, got %v", err)
	}
}

func TestRedeemExpiresAtDeadline(t *testing.T) {
	clock := newFakeClock()
	verifier := newTestVerifier(clock, newMemStore())
	ctx := context.Background()

	issued, err := verifier.Issue(ctx, "user-1", PurposeLogin2FA)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	clock.Advance(5 * time.Minute)
	if _, err := verifier.Redeem(ctx, issued.Code, PurposeLogin2FA, "user-1", VerificationEffect{}); !errors.Is(err, ErrCodeExpired) {
		t.Fatalf("expected ErrCodeExpired at the deadline, got %v", err)
	}
}

func TestRedeemPrefersSubjectsOwnCode(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	verifier := newTestVerifier(clock, store)
	ctx := context.Background()

	// Two users holding the same 6-digit code must each be able to redeem their own.
	for _, owner := range []string{"user-1", "user-2"} {
		store.verifications["v-"+owner] = VerificationToken{
			ID:        "v-" + owner,
			UserID:    owner,
			Purpose:   PurposeLogin2FA,
			TokenHash: hashCode("123456"),
			ExpiresAt: clock.Now().Add(time.Minute),
			CreatedAt: clock.Now(),
		}
	}

	for _, owner := range []string{"user-2", "user-1"} {
		token, err := verifier.Redeem(ctx, "123456", PurposeLogin2FA, owner, VerificationEffect{})
		if err != nil {
			t.Fatalf("redeem for %s: %v", owner, err)
		}
		if token.UserID != owner {
			t.Fatalf("redeemed %s's code for %s", token.UserID, owner)
		}
	}
}

func TestConcurrentRedeemSucceedsOnce(t *testing.T) {
	clock := newFakeClock()
	verifier := newTestVerifier(clock, newMemStore())
	ctx := context.Background()

	issued, err := verifier.Issue(ctx, "user-1", PurposePasswordReset)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		used      int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := verifier.Redeem(ctx, issued.Code, PurposePasswordReset, "user-1", VerificationEffect{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrCodeAlreadyUsed):
				used++
			}
		}()
	}
	wg.Wait()

	if successes != 1 || used != callers-1 {
		t.Fatalf("expected 1 success and %d already-used, got %d and %d", callers-1, successes, used)
	}
}

func TestRedeemAppliesEffectAtomically(t *testing.T) {
	clock := newFakeClock()
	store := newMemStore()
	verifier := newTestVerifier(clock, store)
	ctx := context.Background()

	store.users["user-1"] = User{ID: "user-1", Email: "ada@example.com"}
	expires := clock.Now().Add(time.Hour)
	store.refresh["r-1"] = RefreshTokenRecord{ID: "r-1", UserID: "user-1", FamilyID: "r-1", ExpiresAt: &expires}

	issued, err := verifier.Issue(ctx, "user-1", PurposePasswordReset)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Redeem(ctx, issued.Code, PurposePasswordReset, "user-1", VerificationEffect{
		MarkEmailVerified: true,
		PasswordHash:      "new-hash",
		RevokeSessions:    true,
	}); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	user := store.users["user-1"]
	if !user.EmailVerified || user.PasswordHash != "new-hash" || user.TwoFAEnabled {
		t.Fatalf("unexpected user after effect: %+v", user)
	}
	if !store.refreshRecord("r-1").Revoked {
		t.Fatal("sessions must be revoked with the effect")
	}
}
