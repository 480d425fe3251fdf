package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"gallery-auth/internal/observability"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestRedisBackendCountsPerWindow(t *testing.T) {
	mr, rdb := newMiniredis(t)
	backend := NewRedisRateLimitBackend(rdb)
	ctx := context.Background()
	now := time.Now()

	for i := 1; i <= 3; i++ {
		allowed, _, err := backend.Allow(ctx, "10.0.0.1", 3, time.Minute, now)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("hit %d must be allowed", i)
		}
	}

	allowed, retryAfter, err := backend.Allow(ctx, "10.0.0.1", 3, time.Minute, now)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed || retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("expected block with retry inside the window, got %v %s", allowed, retryAfter)
	}

	if allowed, _, _ := backend.Allow(ctx, "10.0.0.2", 3, time.Minute, now); !allowed {
		t.Fatal("other IPs must have their own counter")
	}

	mr.FastForward(time.Minute + time.Second)
	if allowed, _, _ := backend.Allow(ctx, "10.0.0.1", 3, time.Minute, now); !allowed {
		t.Fatal("counter must reset when the window expires")
	}
}

func TestRedisBackendRepairsMissingExpiry(t *testing.T) {
	mr, rdb := newMiniredis(t)
	backend := NewRedisRateLimitBackend(rdb)

	if err := mr.Set("auth:login_ip:10.0.0.9", "99"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	allowed, retryAfter, err := backend.Allow(context.Background(), "10.0.0.9", 3, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed || retryAfter != time.Minute {
		t.Fatalf("expected block for one window, got %v %s", allowed, retryAfter)
	}
	if ttl := mr.TTL("auth:login_ip:10.0.0.9"); ttl <= 0 {
		t.Fatalf("expected expiry to be restored, got %s", ttl)
	}
}

func TestMemoryBackendSlidingWindow(t *testing.T) {
	backend := NewMemoryRateLimitBackend()
	ctx := context.Background()
	start := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		if allowed, _, _ := backend.Allow(ctx, "ip", 2, time.Minute, start.Add(time.Duration(i)*time.Second)); !allowed {
			t.Fatalf("hit %d must be allowed", i+1)
		}
	}
	allowed, retryAfter, _ := backend.Allow(ctx, "ip", 2, time.Minute, start.Add(10*time.Second))
	if allowed || retryAfter != 50*time.Second {
		t.Fatalf("expected block for 50s, got %v %s", allowed, retryAfter)
	}
	if allowed, _, _ := backend.Allow(ctx, "ip", 2, time.Minute, start.Add(61*time.Second)); !allowed {
		t.Fatal("oldest hit must slide out of the window")
	}
}

type brokenBackend struct{}

func (brokenBackend) Allow(context.Context, string, int, time.Duration, time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("redis: connection refused")
}

func TestLimiterMiddleware(t *testing.T) {
	_, rdb := newMiniredis(t)
	limiter := NewLoginRateLimiter(NewRedisRateLimitBackend(rdb), observability.NewNopLogger(), 1, time.Minute)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := limiter.Middleware(next)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "192.0.2.10:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestLimiterFailsOpen(t *testing.T) {
	limiter := NewLoginRateLimiter(brokenBackend{}, observability.NewNopLogger(), 1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected backend outage to fail open, got %d", rec.Code)
		}
	}
}

func TestRetrySecondsRoundsUp(t *testing.T) {
	cases := map[time.Duration]int{
		0:                       1,
		500 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		time.Minute:             60,
	}
	for in, want := range cases {
		if got := retrySeconds(in); got != want {
			t.Fatalf("retrySeconds(%s) = %d, want %d", in, got, want)
		}
	}
}
