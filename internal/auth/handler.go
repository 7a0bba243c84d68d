// Package auth is the HTTP face of the session manager: JSON endpoints for
// every manager operation plus the middleware guarding the expense API.
//
// handler.go -- Handler dependencies and the session/credential endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/MGallo-Code/pennywise/internal/captcha"
	"github.com/MGallo-Code/pennywise/internal/identity"
	"github.com/MGallo-Code/pennywise/internal/session"
)

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 1 << 20

// CaptchaVerifier checks a client CAPTCHA token.
// Satisfied by *captcha.TurnstileVerifier -- defined here (at consumer) per Go convention.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// FederatedCompleter finishes a redirect-based sign-in and returns where to
// send the browser. Satisfied by *hosted.Adapter.
type FederatedCompleter interface {
	CompleteFederatedFlow(ctx context.Context, provider, state, code string) (string, error)
}

// HealthChecker reports whether the persistence backend is reachable.
// Satisfied by every store.Backend.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for every auth endpoint and middleware.
// Optional fields (Federated, Captcha, Limiter, Health) may be nil.
type Handler struct {
	Sessions  *session.Manager
	Federated FederatedCompleter
	Captcha   CaptchaVerifier
	Health    HealthChecker

	Limiter     RateLimiter
	LoginPolicy RateLimit
	ResetPolicy RateLimit

	// VerifyPolicy limits reset-code submissions per email. Zero means DefaultVerifyPolicy.
	VerifyPolicy RateLimit

	Passwords PasswordPolicy
	CSRFToken [32]byte
}

type userJSON struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func toUserJSON(s *identity.Session) *userJSON {
	if s == nil {
		return nil
	}
	return &userJSON{ID: s.UserID, Email: s.Email}
}

// decodeJSON reads a capped JSON body into dst; writes a 400 and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, op string) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		logWarn(r, "failed to decode "+op+" input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return false
	}
	return true
}

// clientIP strips the port from RemoteAddr (RealIP middleware may already have).
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// allow applies a rate limit policy; writes a 429 and returns false when over it.
// Limiter failures other than ErrRateLimited fail open.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, key string, policy RateLimit) bool {
	if h.Limiter == nil {
		return true
	}
	err := h.Limiter.Allow(r.Context(), key, policy)
	if errors.Is(err, ErrRateLimited) {
		logWarn(r, "rate limit exceeded", "key", key)
		TooManyRequests(w)
		return false
	}
	if err != nil {
		logError(r, "rate limiter failed, allowing request", "error", err)
	}
	return true
}

// checkCaptcha verifies token when a verifier is configured; writes the error
// response and returns false on failure.
func (h *Handler) checkCaptcha(w http.ResponseWriter, r *http.Request, token string) bool {
	if h.Captcha == nil {
		return true
	}
	err := h.Captcha.Verify(r.Context(), token, clientIP(r))
	switch {
	case err == nil:
		return true
	case errors.Is(err, captcha.ErrRejected):
		logWarn(r, "captcha rejected", "error", err)
		BadRequest(w, r, "captcha verification failed")
	default:
		logError(r, "captcha verification unavailable", "error", err)
		ServiceUnavailable(w, "captcha verification unavailable")
	}
	return false
}

// GetSession handles GET /session -- current state plus the CSRF token every
// state-changing request must echo.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	snap := h.Sessions.Snapshot()
	writeJSON(w, http.StatusOK, struct {
		State     string    `json:"state"`
		User      *userJSON `json:"user,omitempty"`
		CSRFToken string    `json:"csrf_token"`
	}{snap.State.String(), toUserJSON(snap.Session), EncodeCSRFToken(h.CSRFToken)})
}

// Login handles POST /login -- email + password sign-in.
// Returns 200 with the user, 401 for bad credentials, 429 when rate limited.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &in, "login") {
		return
	}

	if email := identity.NormalizeEmail(in.Email); email != "" {
		if !h.allow(w, r, "login:"+email, h.LoginPolicy) {
			return
		}
	}

	sess, err := h.Sessions.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		writeAuthError(w, r, "login", err)
		return
	}
	logInfo(r, "login succeeded", "user_id", sess.UserID)
	writeJSON(w, http.StatusOK, struct {
		User *userJSON `json:"user"`
	}{toUserJSON(&sess)})
}

// Signup handles POST /signup.
// Returns 201 with the user when signed in immediately, 202 when the provider
// requires email verification first, 409 when the email is taken.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		CaptchaToken string `json:"captcha_token"`
	}
	if !decodeJSON(w, r, &in, "signup") {
		return
	}

	if msg := ValidateEmail(identity.NormalizeEmail(in.Email)); msg != "" {
		BadRequest(w, r, msg)
		return
	}
	if failures := h.Passwords.Validate(in.Password); len(failures) > 0 {
		BadRequest(w, r, failures[0])
		return
	}
	if !h.checkCaptcha(w, r, in.CaptchaToken) {
		return
	}

	res, err := h.Sessions.Signup(r.Context(), in.Email, in.Password)
	if err != nil {
		writeAuthError(w, r, "signup", err)
		return
	}
	if res.VerificationPending {
		logInfo(r, "signup pending verification")
		writeJSON(w, http.StatusAccepted, struct {
			VerificationPending bool   `json:"verification_pending"`
			Message             string `json:"message"`
		}{true, "check your email to confirm your account"})
		return
	}
	logInfo(r, "signup succeeded", "user_id", res.Session.UserID)
	writeJSON(w, http.StatusCreated, struct {
		User *userJSON `json:"user"`
	}{toUserJSON(res.Session)})
}

// Logout handles POST /logout. Always succeeds.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Logout(r.Context()); err != nil {
		// Manager closed mid-shutdown; the session is cleared regardless.
		logWarn(r, "logout returned error", "error", err)
	}
	OK(w, "logged out")
}

// ForgotPassword handles POST /password/forgot -- dispatches a reset artifact.
// Local mode answers 404 for unknown emails; hosted mode never reveals existence.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email        string `json:"email"`
		CaptchaToken string `json:"captcha_token"`
	}
	if !decodeJSON(w, r, &in, "forgot password") {
		return
	}

	email := identity.NormalizeEmail(in.Email)
	if email != "" {
		if !h.allow(w, r, "reset:"+email, h.ResetPolicy) {
			return
		}
	}
	if !h.checkCaptcha(w, r, in.CaptchaToken) {
		return
	}

	if err := h.Sessions.ForgotPassword(r.Context(), email); err != nil {
		writeAuthError(w, r, "forgot password", err)
		return
	}
	writeMessage(w, http.StatusAccepted, "password reset requested, check your email")
}

// ResetPassword handles POST /password/reset.
// Local mode needs email + code; hosted mode needs a signed-in session.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email           string `json:"email"`
		Code            string `json:"code"`
		NewPassword     string `json:"new_password"`
		ConfirmPassword string `json:"confirm_password"`
	}
	if !decodeJSON(w, r, &in, "reset password") {
		return
	}

	// Codes are short; without a cap they fall to enumeration.
	if email := identity.NormalizeEmail(in.Email); email != "" {
		policy := h.VerifyPolicy
		if policy.MaxAttempts <= 0 {
			policy = DefaultVerifyPolicy
		}
		if !h.allow(w, r, "reset-verify:"+email, policy) {
			return
		}
	}
	if failures := h.Passwords.Validate(in.NewPassword); len(failures) > 0 {
		BadRequest(w, r, failures[0])
		return
	}

	err := h.Sessions.ResetPassword(r.Context(), identity.ResetRequest{
		Email:       in.Email,
		Token:       in.Code,
		NewPassword: in.NewPassword,
		Confirm:     in.ConfirmPassword,
	})
	if err != nil {
		writeAuthError(w, r, "reset password", err)
		return
	}
	logInfo(r, "password reset completed")
	OK(w, "password updated")
}
