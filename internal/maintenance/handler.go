package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"gallery-auth/internal/auth"
	"gallery-auth/internal/config"
	"gallery-auth/internal/observability"
)

// Cleaner prunes expired auth state. *auth.Repository implements it.
type Cleaner interface {
	CleanupStaleAuthData(ctx context.Context, verificationRetention, ipLimitRetention time.Duration, batchSize int) (auth.CleanupResult, error)
}

type CleanupHandler struct {
	cleaner               Cleaner
	logger                *observability.Logger
	cronSecret            string
	verificationRetention time.Duration
	ipLimitRetention      time.Duration
	batchSize             int
}

func NewCleanupHandler(cleaner Cleaner, logger *observability.Logger, cfg config.MaintenanceConfig) *CleanupHandler {
	return &CleanupHandler{
		cleaner:               cleaner,
		logger:                logger,
		cronSecret:            strings.TrimSpace(cfg.CronSecret),
		verificationRetention: cfg.VerificationRetention,
		ipLimitRetention:      cfg.IPLimitRetention,
		batchSize:             cfg.BatchSize,
	}
}

// Handle is mounted for GET and POST so both scheduler styles can call it.
// Without a configured secret the endpoint does not exist.
func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.cleaner.CleanupStaleAuthData(r.Context(), h.verificationRetention, h.ipLimitRetention, h.batchSize)
	if err != nil {
		observability.CaptureError(r.Context(), err)
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_verifications": result.DeletedVerifications,
		"deleted_ip_limits":     result.DeletedIPLimits,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
