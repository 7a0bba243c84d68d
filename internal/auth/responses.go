// responses.go -- Package-wide HTTP response helpers.
//
// Shared by handlers and middleware. Fixed messages are plain ASCII with no
// user-controlled input, so string concat is safe for them; anything else
// goes through writeJSON.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MGallo-Code/pennywise/internal/identity"
	"github.com/MGallo-Code/pennywise/internal/session"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Message string `json:"message"`
	}{message})
}

// InternalServerError logs the error and returns a generic 500 JSON response.
// Never exposes internal error details to prevent information leakage.
func InternalServerError(w http.ResponseWriter, r *http.Request, err error) {
	logError(r, "internal server error", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(`{"message":"internal server error"}`))
}

// BadRequest returns a 400 JSON response with the given message.
// Use for client input validation failures.
func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusBadRequest, message)
}

// Unauthorized returns a 401 JSON response with a generic message.
// Keep message generic to prevent user enumeration.
func Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	writeMessage(w, http.StatusUnauthorized, message)
}

// Forbidden returns a 403 JSON response with a generic message.
// Intentionally vague, avoids leaking which validation stage failed.
func Forbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(`{"message":"forbidden"}`))
}

// TooManyRequests returns a 429 JSON response.
func TooManyRequests(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"message":"too many attempts, try again later"}`))
}

// ServiceUnavailable returns a 503 JSON response with the given message.
func ServiceUnavailable(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusServiceUnavailable, message)
}

// OK returns a 200 JSON response with the given message.
func OK(w http.ResponseWriter, message string) {
	writeMessage(w, http.StatusOK, message)
}

// authErrorStatus maps the error taxonomy to HTTP statuses. Zero means the
// error is internal.
func authErrorStatus(err error) int {
	switch identity.Classify(err) {
	case identity.ErrInvalidCredentials, identity.ErrNotAuthenticated:
		return http.StatusUnauthorized
	case identity.ErrAccountExists:
		return http.StatusConflict
	case identity.ErrNoSuchAccount:
		return http.StatusNotFound
	case identity.ErrInvalidOrExpiredToken, identity.ErrTokenMismatch,
		identity.ErrPasswordTooShort, identity.ErrPasswordMismatch, identity.ErrSignupRejected:
		return http.StatusBadRequest
	case identity.ErrFederatedFlowFailed:
		return http.StatusBadGateway
	case identity.ErrProviderUnavailable:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, session.ErrClosed) || errors.Is(err, session.ErrNotStarted) {
		return http.StatusServiceUnavailable
	}
	return 0
}

// writeAuthError answers a failed manager operation. Taxonomy errors carry a
// user-safe sentinel message; everything else becomes a generic 500.
func writeAuthError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := authErrorStatus(err)
	if status == 0 {
		InternalServerError(w, r, err)
		return
	}

	message := "service unavailable"
	if s := identity.Classify(err); s != nil {
		message = s.Error()
	}
	if status >= 500 {
		logWarn(r, op+" failed", "status", status, "error", err)
	} else {
		logInfo(r, op+" rejected", "status", status, "reason", message)
	}
	writeMessage(w, status, message)
}
