package auth

import (
	"net/http"
	"strings"
	"time"
)

const (
	AccessCookieName  = "access_token"
	RefreshCookieName = "refresh_token"
)

type CookieManager struct {
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

func NewCookieManager(domain string, secure bool) *CookieManager {
	return &CookieManager{Domain: domain, Secure: secure, SameSite: http.SameSiteLaxMode}
}

// SetTokenCookies writes both tokens as HttpOnly cookies living as long as the tokens do.
func (c *CookieManager) SetTokenCookies(w http.ResponseWriter, pair TokenPair, accessTTL, refreshTTL time.Duration) {
	http.SetCookie(w, c.cookie(AccessCookieName, pair.AccessToken, int(accessTTL.Seconds())))
	http.SetCookie(w, c.cookie(RefreshCookieName, pair.RefreshToken, int(refreshTTL.Seconds())))
}

func (c *CookieManager) ClearTokenCookies(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie(AccessCookieName, "", -1))
	http.SetCookie(w, c.cookie(RefreshCookieName, "", -1))
}

func (c *CookieManager) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	}
}

func readCookie(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
