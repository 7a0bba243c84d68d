// middleware.go

// Session authentication middleware.
package auth

import (
	"context"
	"net/http"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const userIDKey contextKey = "user_id"

// UserIDFromContext retrieves the signed-in user's ID from context.
// Returns "" and false if RequireAuth hasn't run.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}

// RequireAuth admits the request only while the manager is Authenticated and
// injects the user id into context. Returns 503 while the manager is still
// restoring and 401 when nobody is signed in.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Sessions.Loading() {
			logDebug(r, "require auth deferred", "reason", "session_restoring")
			ServiceUnavailable(w, "session is still loading")
			return
		}
		userID, ok := h.Sessions.CurrentUserID()
		if !ok {
			logWarn(r, "require auth failed", "reason", "not_signed_in")
			Unauthorized(w, r, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
