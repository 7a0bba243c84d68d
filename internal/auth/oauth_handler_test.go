// oauth_handler_test.go

// unit tests for StartOAuth, OAuthCallback and safeReturnTo.
package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/MGallo-Code/pennywise/internal/identity"
	"github.com/MGallo-Code/pennywise/internal/testutil"
	"github.com/go-chi/chi/v5"
)

// stubCompleter finishes flows by pushing a sign-in through the fake provider,
// as the hosted adapter does.
type stubCompleter struct {
	p        *testutil.FakeProvider
	err      error
	returnTo string
	gotState string
	gotCode  string
	gotProv  string
}

func (s *stubCompleter) CompleteFederatedFlow(_ context.Context, provider, state, code string) (string, error) {
	s.gotProv, s.gotState, s.gotCode = provider, state, code
	if s.err != nil {
		return "", s.err
	}
	s.p.Push(identity.Event{
		Kind:    identity.EventSignedIn,
		Session: &identity.Session{UserID: "fed-1", Email: "fed@example.com"},
	})
	return s.returnTo, nil
}

// callbackRouter mounts OAuthCallback so chi fills {provider}.
func callbackRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/oauth/{provider}/callback", h.OAuthCallback)
	return r
}

func getCallback(h *Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	callbackRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

// --- safeReturnTo ---

func TestSafeReturnTo(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "/"},
		{"/expenses", "/expenses"},
		{"/expenses?category=Food", "/expenses?category=Food"},
		{"https://evil.example.com", "/"},
		{"//evil.example.com", "/"},
		{`/\evil.example.com`, "/"},
		{"expenses", "/"},
	}
	for _, tt := range tests {
		if got := safeReturnTo(tt.in); got != tt.want {
			t.Errorf("safeReturnTo(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- StartOAuth ---

func TestStartOAuth(t *testing.T) {
	t.Run("local mode cannot federate", func(t *testing.T) {
		env := newLocalEnv(t)
		w := do(env.h.StartOAuth, http.MethodGet, "/oauth/start", "")
		assertMessage(t, w, http.StatusBadGateway, identity.ErrFederatedFlowFailed.Error())
	})

	t.Run("hosted mode redirects with sanitized return target", func(t *testing.T) {
		env := newHostedEnv(t)
		w := do(env.h.StartOAuth, http.MethodGet, "/oauth/start?return_to=//evil.example.com", "")
		if w.Code != http.StatusFound {
			t.Fatalf("status: expected 302, got %d", w.Code)
		}
		loc, err := url.Parse(w.Header().Get("Location"))
		if err != nil {
			t.Fatalf("bad Location: %v", err)
		}
		if loc.Host != "idp.example.com" {
			t.Errorf("redirect host: got %q", loc.Host)
		}
		if got := loc.Query().Get("redirect_to"); got != "/" {
			t.Errorf("return target: got %q, want /", got)
		}
	})

	t.Run("provider unavailable is 503", func(t *testing.T) {
		env := newHostedEnv(t)
		env.provider.StartErr = identity.ErrProviderUnavailable
		w := do(env.h.StartOAuth, http.MethodGet, "/oauth/start", "")
		assertStatus(t, w, http.StatusServiceUnavailable)
	})
}

// --- OAuthCallback ---

func TestOAuthCallback(t *testing.T) {
	t.Run("local mode has no callback", func(t *testing.T) {
		env := newLocalEnv(t)
		w := getCallback(env.h, "/oauth/google/callback?state=s&code=c")
		if w.Code != http.StatusNotFound {
			t.Errorf("status: expected 404, got %d", w.Code)
		}
	})

	t.Run("success signs in and redirects", func(t *testing.T) {
		env := newHostedEnv(t)
		sc := &stubCompleter{p: env.provider, returnTo: "/expenses"}
		env.h.Federated = sc

		w := getCallback(env.h, "/oauth/google/callback?state=abc&code=xyz")
		if w.Code != http.StatusFound {
			t.Fatalf("status: expected 302, got %d (%s)", w.Code, w.Body.String())
		}
		if loc := w.Header().Get("Location"); loc != "/expenses" {
			t.Errorf("Location: got %q, want /expenses", loc)
		}
		if sc.gotProv != "google" || sc.gotState != "abc" || sc.gotCode != "xyz" {
			t.Errorf("completer got (%q, %q, %q)", sc.gotProv, sc.gotState, sc.gotCode)
		}
		if uid, ok := env.h.Sessions.CurrentUserID(); !ok || uid != "fed-1" {
			t.Errorf("manager user: got (%q, %v), want fed-1", uid, ok)
		}
	})

	t.Run("provider error param", func(t *testing.T) {
		env := newHostedEnv(t)
		env.h.Federated = &stubCompleter{p: env.provider}
		w := getCallback(env.h, "/oauth/google/callback?error=access_denied")
		assertMessage(t, w, http.StatusBadRequest, "sign-in was cancelled")
	})

	t.Run("missing code", func(t *testing.T) {
		env := newHostedEnv(t)
		env.h.Federated = &stubCompleter{p: env.provider}
		w := getCallback(env.h, "/oauth/google/callback?state=abc")
		assertMessage(t, w, http.StatusBadRequest, "missing state or code")
	})

	t.Run("failed flow is 502 and stays signed out", func(t *testing.T) {
		env := newHostedEnv(t)
		env.h.Federated = &stubCompleter{p: env.provider, err: identity.ErrFederatedFlowFailed}
		w := getCallback(env.h, "/oauth/google/callback?state=abc&code=xyz")
		assertStatus(t, w, http.StatusBadGateway)
		if _, ok := env.h.Sessions.CurrentUserID(); ok {
			t.Error("manager should be unauthenticated")
		}
	})
}
