package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"gallery-auth/internal/observability"
)

// RateLimitBackend counts hits for key inside a fixed window.
type RateLimitBackend interface {
	Allow(ctx context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error)
}

// LoginRateLimiter throttles credential and code endpoints per client IP. Backend errors
// fail open so a cache outage cannot lock everyone out.
type LoginRateLimiter struct {
	backend RateLimitBackend
	logger  *observability.Logger
	maxHits int
	window  time.Duration
	now     func() time.Time
}

func NewLoginRateLimiter(backend RateLimitBackend, logger *observability.Logger, maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if backend == nil {
		backend = NewMemoryRateLimitBackend()
	}

	return &LoginRateLimiter{
		backend: backend,
		logger:  logger,
		maxHits: maxHits,
		window:  window,
		now:     time.Now,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter, err := l.backend.Allow(r.Context(), ip, l.maxHits, l.window, l.now().UTC())
		if err != nil {
			l.logger.Warn("login_rate_limit_unavailable", map[string]any{"ip": ip, "error": err})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retryAfter)))
			writeError(w, http.StatusTooManyRequests, "too many attempts, try again later")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func retrySeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// RedisRateLimitBackend keeps one INCR counter per IP that expires with its window.
type RedisRateLimitBackend struct {
	client redis.Cmdable
	prefix string
}

func NewRedisRateLimitBackend(client redis.Cmdable) *RedisRateLimitBackend {
	return &RedisRateLimitBackend{client: client, prefix: "auth:login_ip:"}
}

func (b *RedisRateLimitBackend) Allow(ctx context.Context, key string, maxHits int, window time.Duration, _ time.Time) (bool, time.Duration, error) {
	redisKey := b.prefix + key

	hits, err := b.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr rate limit counter: %w", err)
	}
	if hits == 1 {
		if err := b.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire rate limit counter: %w", err)
		}
	}

	if hits <= int64(maxHits) {
		return true, 0, nil
	}

	ttl, err := b.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read rate limit ttl: %w", err)
	}
	if ttl < 0 {
		// The counter lost its expiry; give it one so the IP is not blocked forever.
		if err := b.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire rate limit counter: %w", err)
		}
		ttl = window
	}
	return false, ttl, nil
}

// PostgresRateLimitBackend shares the window across instances through login_ip_limits.
type PostgresRateLimitBackend struct {
	repo *Repository
}

func NewPostgresRateLimitBackend(repo *Repository) *PostgresRateLimitBackend {
	return &PostgresRateLimitBackend{repo: repo}
}

func (b *PostgresRateLimitBackend) Allow(ctx context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	return b.repo.AllowLoginIP(ctx, key, maxHits, window, now)
}

// MemoryRateLimitBackend is a per-process sliding window.
type MemoryRateLimitBackend struct {
	mu        sync.Mutex
	hitByKey  map[string][]time.Time
	maxMemory int
}

func NewMemoryRateLimitBackend() *MemoryRateLimitBackend {
	return &MemoryRateLimitBackend{
		hitByKey:  make(map[string][]time.Time),
		maxMemory: 5000,
	}
}

func (b *MemoryRateLimitBackend) Allow(_ context.Context, key string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-window)

	b.mu.Lock()
	defer b.mu.Unlock()

	hits := b.hitByKey[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= maxHits {
		retryAfter := filtered[0].Add(window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		b.hitByKey[key] = filtered
		return false, retryAfter, nil
	}

	filtered = append(filtered, now)
	b.hitByKey[key] = filtered

	if len(b.hitByKey) > b.maxMemory {
		for k, value := range b.hitByKey {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(b.hitByKey, k)
			}
		}
	}

	return true, 0, nil
}
