// csrf.go -- CSRF token generation and validation.
//
// The API binds to localhost and holds one process-wide token, handed out by
// GET /session. Every state-changing request must echo it in X-CSRF-Token,
// which a cross-site form post cannot do.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
)

// CSRFHeader carries the token on state-changing requests.
const CSRFHeader = "X-CSRF-Token"

// GenerateCSRFToken creates a 256-bit cryptographically random CSRF token.
func GenerateCSRFToken() (*[32]byte, error) {
	var token [32]byte
	_, err := rand.Read(token[:])
	if err != nil {
		return nil, fmt.Errorf("generating token with rand: %w", err)
	}
	return &token, nil
}

// EncodeCSRFToken renders token the way clients send it back.
func EncodeCSRFToken(token [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(token[:])
}

// ValidateCSRFToken compares a raw CSRF token from the request against
// the stored token using constant-time comparison to prevent timing attacks.
func ValidateCSRFToken(provided, stored [32]byte) bool {
	return subtle.ConstantTimeCompare(provided[:], stored[:]) == 1
}

// CSRFMiddleware enforces CSRF protection on state-changing requests
// (POST, PUT, PATCH, DELETE). Reads the token from the X-CSRF-Token header,
// validates it against the process token, and rejects mismatches with 403.
func (h *Handler) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get(CSRFHeader)
		if header == "" {
			logWarn(r, "csrf check failed", "reason", "missing_header")
			Forbidden(w)
			return
		}
		decoded, err := base64.RawURLEncoding.DecodeString(header)
		if err != nil || len(decoded) != 32 {
			logWarn(r, "csrf check failed", "reason", "malformed_token")
			Forbidden(w)
			return
		}
		if !ValidateCSRFToken([32]byte(decoded), h.CSRFToken) {
			logWarn(r, "csrf check failed", "reason", "token_mismatch")
			Forbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}
