package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingSigningSecret is fatal: the gate must never start without a secret.
var ErrMissingSigningSecret = errors.New("missing required env: JWT_SECRET")

type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Gate        GateConfig
	Mail        MailConfig
	RateLimit   RateLimitConfig
	Maintenance MaintenanceConfig
}

type AppConfig struct {
	Environment string
	Port        string
	SentryDSN   string
	BaseURL     string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	RunMigrations   bool
}

type RedisConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret                      string
	AccessTTL                      time.Duration
	RefreshTTL                     time.Duration
	OTPTTL                         time.Duration
	LinkTTL                        time.Duration
	MaxAttempts                    int
	LockWindow                     time.Duration
	BcryptCost                     int
	OperationTimeout               time.Duration
	RevokeFamilyOnReuse            bool
	RevokeSessionsOnPasswordChange bool
}

type GateConfig struct {
	ProtectedPrefixes []string
	LandingPath       string
	RefreshAhead      time.Duration
	SecureCookies     bool
}

type MailConfig struct {
	APIURL  string
	APIKey  string
	From    string
	Timeout time.Duration
}

type RateLimitConfig struct {
	LoginMax    int
	LoginWindow time.Duration
}

type MaintenanceConfig struct {
	CronSecret            string
	VerificationRetention time.Duration
	IPLimitRetention      time.Duration
	BatchSize             int
}

// Load reads the environment (optionally seeded from .env) into a Config.
func Load(loadDotEnv bool) (*Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	env := envOrDefault("APP_ENV", "development")

	cfg := &Config{
		App: AppConfig{
			Environment: env,
			Port:        envOrDefault("PORT", "8080"),
			SentryDSN:   os.Getenv("SENTRY_DSN"),
			BaseURL:     strings.TrimRight(envOrDefault("APP_BASE_URL", "http://localhost:8080"), "/"),
		},
		Database: DatabaseConfig{
			URL:             strings.TrimSpace(os.Getenv("DATABASE_URL")),
			MaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
			ConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
			RunMigrations:   EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", true),
		},
		Redis: RedisConfig{
			URL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
			DialTimeout:  envDurationOrDefault("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDurationOrDefault("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDurationOrDefault("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret:                      strings.TrimSpace(os.Getenv("JWT_SECRET")),
			AccessTTL:                      envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
			RefreshTTL:                     envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 14*24),
			OTPTTL:                         envMinutesOrDefault("OTP_TTL_MINUTES", 5),
			LinkTTL:                        envHoursOrDefault("VERIFICATION_LINK_TTL_HOURS", 24),
			MaxAttempts:                    envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
			LockWindow:                     envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
			BcryptCost:                     envIntOrDefault("BCRYPT_COST", 0),
			OperationTimeout:               envSecondsOrDefault("AUTH_OPERATION_TIMEOUT_SECONDS", 10),
			RevokeFamilyOnReuse:            EnvBoolOrDefault("AUTH_REVOKE_FAMILY_ON_REUSE", true),
			RevokeSessionsOnPasswordChange: EnvBoolOrDefault("AUTH_REVOKE_SESSIONS_ON_PASSWORD_CHANGE", true),
		},
		Gate: GateConfig{
			ProtectedPrefixes: envListOrDefault("PROTECTED_PATH_PREFIXES", []string{"/account", "/studio"}),
			LandingPath:       envOrDefault("GATE_LANDING_PATH", "/"),
			RefreshAhead:      envSecondsOrDefault("GATE_REFRESH_AHEAD_SECONDS", 60),
			SecureCookies:     EnvBoolOrDefault("COOKIE_SECURE", env == "production"),
		},
		Mail: MailConfig{
			APIURL:  envOrDefault("MAIL_API_URL", "https://api.resend.com/emails"),
			APIKey:  strings.TrimSpace(os.Getenv("MAIL_API_KEY")),
			From:    envOrDefault("MAIL_FROM", "Gallery <no-reply@gallery.local>"),
			Timeout: envSecondsOrDefault("MAIL_TIMEOUT_SECONDS", 10),
		},
		RateLimit: RateLimitConfig{
			LoginMax:    envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
			LoginWindow: envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		Maintenance: MaintenanceConfig{
			CronSecret:            strings.TrimSpace(os.Getenv("CRON_SECRET")),
			VerificationRetention: envDaysOrDefault("AUTH_VERIFICATION_RETENTION_DAYS", 7),
			IPLimitRetention:      envDaysOrDefault("AUTH_IP_LIMIT_RETENTION_DAYS", 30),
			BatchSize:             envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return ErrMissingSigningSecret
	}
	if c.Database.URL == "" {
		return fmt.Errorf("missing required env: DATABASE_URL")
	}
	if c.IsProduction() && c.Mail.APIKey == "" {
		return fmt.Errorf("missing required env: MAIL_API_KEY")
	}
	if c.Auth.AccessTTL >= c.Auth.RefreshTTL {
		return fmt.Errorf("access token ttl (%s) must be shorter than refresh token ttl (%s)", c.Auth.AccessTTL, c.Auth.RefreshTTL)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envDurationOrDefault(name string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envListOrDefault(name string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}

	items := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			items = append(items, part)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
