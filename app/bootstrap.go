package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"gallery-auth/internal/auth"
	"gallery-auth/internal/config"
	"gallery-auth/internal/db"
	"gallery-auth/internal/mail"
	"gallery-auth/internal/maintenance"
	"gallery-auth/internal/observability"
)

type Options struct {
	LoadDotEnv bool
}

type Runtime struct {
	Handler http.Handler
	Config  *config.Config
	Logger  *observability.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(cfg.App.Environment)

	if err := observability.InitSentry(cfg.App.SentryDSN, cfg.App.Environment); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	if cfg.Database.RunMigrations {
		applied, err := db.RunMigrations(context.Background(), database)
		if err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
	}

	redisClient, err := openRedis(cfg.Redis)
	if err != nil {
		logger.Warn("redis_unavailable", map[string]any{"error": err.Error()})
	}

	mailer, err := newMailer(cfg.Mail, logger)
	if err != nil {
		closeAll(database, redisClient)
		return nil, err
	}

	codec, err := auth.NewTokenCodec(cfg.Auth.JWTSecret)
	if err != nil {
		closeAll(database, redisClient)
		return nil, fmt.Errorf("init token codec: %w", err)
	}

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, codec, mailer, logger)
	authService.WithSecurityConfig(auth.SecurityConfig{
		MaxAttempts:                    cfg.Auth.MaxAttempts,
		LockWindow:                     cfg.Auth.LockWindow,
		AccessTTL:                      cfg.Auth.AccessTTL,
		RefreshTTL:                     cfg.Auth.RefreshTTL,
		OTPTTL:                         cfg.Auth.OTPTTL,
		LinkTTL:                        cfg.Auth.LinkTTL,
		BcryptCost:                     cfg.Auth.BcryptCost,
		OperationTimeout:               cfg.Auth.OperationTimeout,
		RevokeFamilyOnReuse:            cfg.Auth.RevokeFamilyOnReuse,
		RevokeSessionsOnPasswordChange: cfg.Auth.RevokeSessionsOnPasswordChange,
		BaseURL:                        cfg.App.BaseURL,
	})

	var limiterBackend auth.RateLimitBackend = auth.NewPostgresRateLimitBackend(authRepo)
	if redisClient != nil {
		limiterBackend = auth.NewRedisRateLimitBackend(redisClient)
	}
	loginLimiter := auth.NewLoginRateLimiter(limiterBackend, logger, cfg.RateLimit.LoginMax, cfg.RateLimit.LoginWindow)

	cookies := auth.NewCookieManager("", cfg.Gate.SecureCookies)
	authHandler := auth.NewHandler(authService, cookies, logger)
	gate := auth.NewGate(authService, cookies, logger, auth.GateConfig{
		ProtectedPrefixes: cfg.Gate.ProtectedPrefixes,
		LandingPath:       cfg.Gate.LandingPath,
		RefreshAhead:      cfg.Gate.RefreshAhead,
	})
	cleanupHandler := maintenance.NewCleanupHandler(authRepo, logger, cfg.Maintenance)

	mux := http.NewServeMux()
	authHandler.RegisterRoutes(mux, loginLimiter)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database, redisClient))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, gate.Middleware(mux)))

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			_ = logger.Sync()
			return closeAll(database, redisClient)
		},
	}, nil
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.MaxOpenConns)
	database.SetMaxIdleConns(cfg.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

// openRedis returns nil, nil when no REDIS_URL is configured. A configured but
// unreachable Redis is reported so the caller can fall back to Postgres.
func openRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func newMailer(cfg config.MailConfig, logger *observability.Logger) (auth.Mailer, error) {
	if cfg.APIKey == "" {
		logger.Warn("mail_api_key_missing", map[string]any{"fallback": "log"})
		return mail.NewLogSender(logger), nil
	}
	sender, err := mail.NewHTTPSender(cfg.APIURL, cfg.APIKey, cfg.From, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("init mail sender: %w", err)
	}
	return sender, nil
}

func closeAll(database *sql.DB, redisClient *redis.Client) error {
	var errs []error
	if redisClient != nil {
		errs = append(errs, redisClient.Close())
	}
	errs = append(errs, database.Close())
	return errors.Join(errs...)
}

func healthHandler(database *sql.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := map[string]string{"database": "ok"}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks["database"] = "down"
		}
		if redisClient != nil {
			checks["redis"] = "ok"
			if err := redisClient.Ping(ctx).Err(); err != nil {
				checks["redis"] = "down"
			}
		}

		body := map[string]any{"status": "ok", "checks": checks, "time": time.Now().UTC().Format(time.RFC3339)}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
