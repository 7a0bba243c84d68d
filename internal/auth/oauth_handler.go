// oauth_handler.go -- Federated sign-in redirect endpoints.
//
// GET /oauth/start sends the browser to the provider's consent page.
// GET /oauth/{provider}/callback finishes the flow; the resulting session
// reaches the manager as a provider push, so the callback waits briefly for
// the manager to settle before redirecting.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/MGallo-Code/pennywise/internal/session"
	"github.com/go-chi/chi/v5"
)

// callbackSettle bounds how long the callback waits for the manager to apply
// the federated sign-in.
const callbackSettle = 3 * time.Second

// safeReturnTo keeps redirects on this origin: only absolute paths, never
// scheme-relative or backslash tricks.
func safeReturnTo(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") ||
		strings.HasPrefix(target, "//") || strings.Contains(target, `\`) {
		return "/"
	}
	return target
}

// StartOAuth handles GET /oauth/start?return_to=/path.
// Redirects (302) to the provider; 502 when the flow cannot start (e.g. local mode).
func (h *Handler) StartOAuth(w http.ResponseWriter, r *http.Request) {
	returnTo := safeReturnTo(r.URL.Query().Get("return_to"))

	consentURL, err := h.Sessions.StartFederatedSignIn(r.Context(), returnTo)
	if err != nil {
		writeAuthError(w, r, "oauth start", err)
		return
	}
	logInfo(r, "oauth flow started")
	http.Redirect(w, r, consentURL, http.StatusFound)
}

// OAuthCallback handles GET /oauth/{provider}/callback?state=...&code=...
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.Federated == nil {
		http.NotFound(w, r)
		return
	}

	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		// User declined consent or the provider refused; nothing to clean up.
		logInfo(r, "oauth callback carried provider error", "provider", provider, "error", e)
		BadRequest(w, r, "sign-in was cancelled")
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		BadRequest(w, r, "missing state or code")
		return
	}

	signedIn := make(chan struct{}, 1)
	unsub := h.Sessions.Subscribe(func(s session.Snapshot) {
		if s.State == session.Authenticated {
			select {
			case signedIn <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	returnTo, err := h.Federated.CompleteFederatedFlow(r.Context(), provider, state, code)
	if err != nil {
		writeAuthError(w, r, "oauth callback", err)
		return
	}

	if !h.awaitSignIn(r.Context(), signedIn) {
		logWarn(r, "manager did not confirm federated sign-in in time", "provider", provider)
	}
	logInfo(r, "oauth callback completed", "provider", provider)
	http.Redirect(w, r, safeReturnTo(returnTo), http.StatusFound)
}

func (h *Handler) awaitSignIn(ctx context.Context, signedIn <-chan struct{}) bool {
	if h.Sessions.Snapshot().State == session.Authenticated {
		return true
	}
	timer := time.NewTimer(callbackSettle)
	defer timer.Stop()
	select {
	case <-signedIn:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
