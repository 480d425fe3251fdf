package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"gallery-auth/internal/observability"
)

type sessionKey struct{}

type session struct {
	userID      string
	accessToken string
}

func withSession(ctx context.Context, userID, accessToken string) context.Context {
	return context.WithValue(ctx, sessionKey{}, session{userID: userID, accessToken: accessToken})
}

// UserIDFromContext returns the user the gate admitted, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(sessionKey{}).(session)
	if !ok || s.userID == "" {
		return "", false
	}
	return s.userID, true
}

func accessTokenFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sessionKey{}).(session)
	return s.accessToken
}

type GateConfig struct {
	ProtectedPrefixes []string
	LandingPath       string
	RefreshAhead      time.Duration
}

// Gate admits requests to protected paths only with a live session, rotating tokens
// that are close to expiry. It never renders an error: it either allows or redirects.
type Gate struct {
	service  *Service
	cookies  *CookieManager
	logger   *observability.Logger
	prefixes []string
	landing  string
	ahead    time.Duration
}

func NewGate(service *Service, cookies *CookieManager, logger *observability.Logger, cfg GateConfig) *Gate {
	prefixes := make([]string, 0, len(cfg.ProtectedPrefixes))
	for _, prefix := range cfg.ProtectedPrefixes {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		if prefix != "/" {
			prefix = strings.TrimRight(prefix, "/")
		}
		prefixes = append(prefixes, prefix)
	}

	landing := cfg.LandingPath
	if landing == "" {
		landing = "/"
	}
	ahead := cfg.RefreshAhead
	if ahead < 0 {
		ahead = 0
	}

	return &Gate{
		service:  service,
		cookies:  cookies,
		logger:   logger,
		prefixes: prefixes,
		landing:  landing,
		ahead:    ahead,
	}
}

// Protects reports whether path falls under a protected prefix. Matching is by whole
// segments, so /account guards /account/me but not /accounting.
func (g *Gate) Protects(path string) bool {
	for _, prefix := range g.prefixes {
		if prefix == "/" || path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Protects(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		refreshToken := readCookie(r, RefreshCookieName)
		if refreshToken == "" {
			g.redirect(w, r, false)
			return
		}

		accessToken := readCookie(r, AccessCookieName)
		claims, accessErr := g.service.codec.VerifyKind(accessToken, KindAccess)
		if accessErr == nil && claims.Expiry().Sub(g.service.now()) > g.ahead {
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), claims.UserID(), accessToken)))
			return
		}

		pair, err := g.service.Refresh(r.Context(), refreshToken)
		if err != nil {
			if errors.Is(err, ErrRotationRaced) {
				// The winning request already set fresh cookies; leave them alone.
				if accessErr == nil {
					next.ServeHTTP(w, r.WithContext(withSession(r.Context(), claims.UserID(), accessToken)))
					return
				}
				g.redirect(w, r, false)
				return
			}
			if IsAuthError(err) {
				g.logger.Info("gate_session_ended", map[string]any{"path": r.URL.Path, "reason": err.Error()})
				g.redirect(w, r, true)
				return
			}

			g.logger.Error("gate_refresh_failed", map[string]any{"path": r.URL.Path, "error": err})
			observability.CaptureError(r.Context(), err)
			if accessErr == nil {
				next.ServeHTTP(w, r.WithContext(withSession(r.Context(), claims.UserID(), accessToken)))
				return
			}
			g.redirect(w, r, false)
			return
		}

		cfg := g.service.Config()
		g.cookies.SetTokenCookies(w, pair, cfg.AccessTTL, cfg.RefreshTTL)
		next.ServeHTTP(w, r.WithContext(withSession(r.Context(), pair.UserID, pair.AccessToken)))
	})
}

func (g *Gate) redirect(w http.ResponseWriter, r *http.Request, clearCookies bool) {
	if clearCookies {
		g.cookies.ClearTokenCookies(w)
	}
	http.Redirect(w, r, g.landing, http.StatusSeeOther)
}
