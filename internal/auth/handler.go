package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"gallery-auth/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	cookies *CookieManager
	logger  *observability.Logger
}

func NewHandler(service *Service, cookies *CookieManager, logger *observability.Logger) *Handler {
	return &Handler{service: service, cookies: cookies, logger: logger}
}

// RegisterRoutes mounts the auth and account endpoints. Credential and code endpoints go
// through limiter. /account routes expect the Gate in front of the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, limiter *LoginRateLimiter) {
	limited := func(fn http.HandlerFunc) http.Handler {
		return limiter.Middleware(fn)
	}

	mux.HandleFunc("POST /auth/signup", h.Signup)
	mux.Handle("POST /auth/signup/verify", limited(h.VerifySignup))
	mux.HandleFunc("POST /auth/signup/resend", h.ResendSignupCode)
	mux.Handle("POST /auth/login", limited(h.Login))
	mux.Handle("POST /auth/2fa", limited(h.Redeem2FA))
	mux.HandleFunc("POST /auth/2fa/resend", h.Resend2FA)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.HandleFunc("POST /auth/password/forgot", h.ForgotPassword)
	mux.Handle("POST /auth/password/reset", limited(h.ResetPassword))
	mux.HandleFunc("GET /auth/verify-email", h.VerifyEmail)

	mux.HandleFunc("GET /account/me", h.Me)
	mux.HandleFunc("POST /account/password", h.ChangePassword)
	mux.HandleFunc("POST /account/2fa", h.SetTwoFactor)
	mux.HandleFunc("POST /account/verify-email", h.SendVerificationLink)
}

type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=200"`
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type emailCodeRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

type twoFactorRequest struct {
	PendingToken string `json:"pending_token" validate:"required"`
	Code         string `json:"code" validate:"required,len=6,numeric"`
}

type pendingRequest struct {
	PendingToken string `json:"pending_token" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type resetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	Code        string `json:"code" validate:"required,len=6,numeric"`
	NewPassword string `json:"new_password" validate:"required,max=200"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"max=200"`
	NewPassword     string `json:"new_password" validate:"required,max=200"`
}

type setTwoFactorRequest struct {
	Password string `json:"password" validate:"required,max=200"`
	Enabled  *bool  `json:"enabled" validate:"required"`
}

type loginResponse struct {
	Status  LoginStatus      `json:"status"`
	Tokens  *TokenPair       `json:"tokens,omitempty"`
	Pending *PendingIdentity `json:"pending,omitempty"`
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var body credentialsRequest
	if !decodeAndValidate(w, r, &body, false) {
		return
	}

	result, err := h.service.Signup(r.Context(), body.Email, body.Password)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to sign up")
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) VerifySignup(w http.ResponseWriter, r *http.Request) {
	var body emailCodeRequest
	if !decodeAndValidate(w, r, &body, false) {
		return
	}

	if err := h.service.VerifySignup(r.Context(), body.Email, body.Code); err != nil {
		h.writeServiceError(w, r, err, "failed to verify signup")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (h *Handler) ResendSignupCode(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeAndValidate(w, r, &body, false) {
		return
	}

	result, err := h.service.ResendSignupCode(r.Context(), body.Email)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to resend code")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent", "code_expires_at": result.ExpiresAt})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body credentialsRequest
	if !decodeAndValidate(w, r, &body, false) {
		return
	}

	result, err := h.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		var deliveryErr *DeliveryError
		if errors.As(err, &deliveryErr) && result.Pending != nil {
			h.logger.Warn("login_code_not_delivered", map[string]any{"error": err})
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":   "could not send your login code, request a new one",
				"pending": result.Pending,
			})
			return
		}
		h.writeServiceError(w, r, err, "failed to login")
		return
	}

	if result.Status == LoginPending2FA {
		writeJSON(w, http.StatusAccepted, loginResponse{Status: result.Status, Pending: result.Pending})
		return
	}

	h.setSession(w, *result.Tokens)
	writeJSON(w, http.StatusOK, loginResponse{Status: result.Status, Tokens: result.Tokens})
}

func (h *Handler) Redeem2FA(w http.ResponseWriter, r *http.Request) {
	var body twoFactorRequest
	if !decodeAndValidate(w, r, &body, false) {
		return
	}

	tokens, err := h.service.Redeem2FA(r.Context(), body.Code, PendingIdentity{Token: body.PendingToken})
	if err != nil {
		h.writeServiceError(w, r, err, "failed to verify code")
		return
	}

	h.setSession(w, tokens)
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Resend2FA(w http.ResponseWriter, r *http.Request) {
	var body pendingRequest
	if !decodeAndValidate(w, r, &body, false) {
		return
	}

	pending, err := h.service.ResendCode(r.Context(), PendingIdentity{Token: body.PendingToken})
	if err != nil {
		h.writeServiceError(w, r, err, "failed to resend code")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent", "pending": pending})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeAndValidate(w, r, &body, true) {
		return
	}

	token := strings.TrimSpace(body.RefreshToken)
	if token == "" {
		token = readCookie(r, RefreshCookieName)
	}

	tokens, err := h.service.Refresh(r.Context(), token)
	if err != nil {
		raced := errors.Is(err, ErrRotationRaced)
		if !raced && (errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrSessionRevoked)) {
			h.cookies.ClearTokenCookies(w)
		}
		h.writeServiceError(w, r, err, "failed to refresh token")
		return
	}

	h.setSession(w, tokens)
	writeJSON(w, http.StatusOK, tokens)
}

// Logout always answers 204 and clears both cookies. The body token and the refresh cookie
// are each revoked when present; an unreadable body is ignored.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		body = refreshRequest{}
	}

	token := strings.TrimSpace(body.RefreshToken)
	cookieToken := readCookie(r, RefreshCookieName)
	if token != "" {
		h.service.Logout(r.Context(), token)
	}
	if cookieToken != "" && cookieToken != token {
		h.service.Logout(r.Context(), cookieToken)
	}

	h.cookies.ClearTokenCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if !decodeAndValidate(w, r, &body, false) {
		return
	}

	result, err := h.service.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		var deliveryErr *DeliveryError
		if !errors.As(err, &deliveryErr) {
			h.writeServiceError(w, r, err, "failed to request password reset")
			return
		}
		// Answer as if sent: a delivery failure only happens for real accounts.
		h.logger.Warn("password_reset_not_delivered", map[string]any{"error": err})
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent", "code_expires_at": result.ExpiresAt})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeAndValidate(w, r, &body, false) {
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Email, body.Code, body.NewPassword); err != nil {
		h.writeServiceError(w, r, err, "failed to reset password")
		return
	}

	h.cookies.ClearTokenCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	if err := h.service.VerifyEmailLink(r.Context(), token); err != nil {
		h.writeServiceError(w, r, err, "failed to verify email")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}

	user, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to load account")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}

	var body changePasswordRequest
	if !decodeAndValidate(w, r, &body, false) {
		return
	}

	tokens, err := h.service.ChangePassword(r.Context(), ChangePasswordRequest{
		AccessToken:     accessTokenFromContext(r.Context()),
		UserID:          userID,
		CurrentPassword: body.CurrentPassword,
		NewPassword:     body.NewPassword,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "failed to change password")
		return
	}

	h.setSession(w, tokens)
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) SetTwoFactor(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}

	var body setTwoFactorRequest
	if !decodeAndValidate(w, r, &body, false) {
		return
	}

	user, err := h.service.SetTwoFactor(r.Context(), userID, body.Password, *body.Enabled)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to update two-factor setting")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) SendVerificationLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}

	expiresAt, err := h.service.SendVerificationLink(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to send verification link")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent", "link_expires_at": expiresAt})
}

func (h *Handler) setSession(w http.ResponseWriter, tokens TokenPair) {
	cfg := h.service.Config()
	h.cookies.SetTokenCookies(w, tokens, cfg.AccessTTL, cfg.RefreshTTL)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var (
		validationErr *ValidationError
		lockedErr     *LockedError
		deliveryErr   *DeliveryError
		storeErr      *StoreError
	)

	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &lockedErr):
		minutes := lockedErr.RetryMinutes(h.service.now())
		w.Header().Set("Retry-After", strconv.Itoa(minutes*60))
		writeError(w, http.StatusTooManyRequests, fmt.Sprintf("too many login attempts, try again in %d minutes", minutes))
	case errors.Is(err, ErrBadCredentials):
		writeError(w, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, ErrEmailInUse):
		writeError(w, http.StatusConflict, "email already in use")
	case errors.Is(err, ErrSessionRevoked):
		writeError(w, http.StatusUnauthorized, "session revoked, sign in again")
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "session expired, sign in again")
	case errors.Is(err, ErrCodeExpired):
		writeError(w, http.StatusBadRequest, "code expired, request a new one")
	case errors.Is(err, ErrCodeAlreadyUsed):
		writeError(w, http.StatusBadRequest, "code already used")
	case errors.Is(err, ErrCodeMismatch), errors.Is(err, ErrCodeNotFound):
		writeError(w, http.StatusBadRequest, "invalid code")
	case errors.As(err, &deliveryErr):
		observability.CaptureError(r.Context(), err)
		writeError(w, http.StatusBadGateway, "could not send email, try again")
	case errors.As(err, &storeErr):
		h.logger.Error("auth_store_failed", map[string]any{"op": storeErr.Op, "error": err, "path": r.URL.Path})
		observability.CaptureError(r.Context(), err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, try again")
	default:
		h.logger.Error("auth_request_failed", map[string]any{"error": err, "path": r.URL.Path})
		observability.CaptureError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

// decodeAndValidate reads a JSON body into dst and runs its validate tags. With optional
// set an empty body is accepted.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return false
		}
	}

	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request"
	}

	field := fieldErrs[0]
	name := field.Field()
	switch field.Tag() {
	case "required":
		return fmt.Sprintf("%s: is required", name)
	case "email":
		return fmt.Sprintf("%s: is not a valid address", name)
	case "len", "numeric":
		return fmt.Sprintf("%s: must be a %d-digit code", name, otpDigits)
	case "max":
		return fmt.Sprintf("%s: is too long", name)
	default:
		return fmt.Sprintf("%s: is invalid", name)
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
