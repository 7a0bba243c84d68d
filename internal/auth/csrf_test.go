// csrf_test.go

// unit tests for GenerateCSRFToken, ValidateCSRFToken, and CSRFMiddleware.
package auth

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// passHandler returns 200 when reached -- proves middleware let request through.
var passHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// assertForbidden checks response is 403 JSON with generic error body.
func assertForbidden(t *testing.T, resp *http.Response) {
	t.Helper()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status: expected 403, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	bodyBytes, _ := io.ReadAll(resp.Body)
	if body := strings.TrimSpace(string(bodyBytes)); body != `{"message":"forbidden"}` {
		t.Errorf("body: expected {\"message\":\"forbidden\"}, got %q", body)
	}
}

// --- GenerateCSRFToken ---

func TestGenerateCSRFToken(t *testing.T) {
	t1, err := GenerateCSRFToken()
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	t2, err := GenerateCSRFToken()
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if *t1 == *t2 {
		t.Error("two tokens should differ (unique random bytes)")
	}
}

// --- ValidateCSRFToken ---

func TestValidateCSRFToken(t *testing.T) {
	var a, b [32]byte
	for i := range a {
		a[i] = byte(i)
	}
	if !ValidateCSRFToken(a, a) {
		t.Error("identical tokens should match")
	}
	b = a
	b[31] ^= 0x01
	if ValidateCSRFToken(a, b) {
		t.Error("tokens differing in last byte should not match")
	}
}

// --- CSRFMiddleware ---

func TestCSRFMiddleware(t *testing.T) {
	var token [32]byte
	for i := range token {
		token[i] = byte(i + 100)
	}
	h := &Handler{CSRFToken: token}
	handler := h.CSRFMiddleware(passHandler)
	valid := EncodeCSRFToken(token)

	run := func(method, header string) *http.Response {
		r := httptest.NewRequest(method, "/expenses", nil)
		if header != "" {
			r.Header.Set(CSRFHeader, header)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Result()
	}

	t.Run("safe methods pass without token", func(t *testing.T) {
		for _, m := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
			if resp := run(m, ""); resp.StatusCode != http.StatusOK {
				t.Errorf("%s: expected 200, got %d", m, resp.StatusCode)
			}
		}
	})

	t.Run("valid token passes", func(t *testing.T) {
		for _, m := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
			if resp := run(m, valid); resp.StatusCode != http.StatusOK {
				t.Errorf("%s: expected 200, got %d", m, resp.StatusCode)
			}
		}
	})

	t.Run("missing token", func(t *testing.T) {
		assertForbidden(t, run(http.MethodPost, ""))
	})

	t.Run("not base64", func(t *testing.T) {
		assertForbidden(t, run(http.MethodPost, "!!!not-base64!!!"))
	})

	t.Run("wrong length", func(t *testing.T) {
		assertForbidden(t, run(http.MethodPost, base64.RawURLEncoding.EncodeToString([]byte("short"))))
	})

	t.Run("wrong token", func(t *testing.T) {
		other := token
		other[0] ^= 0xFF
		assertForbidden(t, run(http.MethodDelete, EncodeCSRFToken(other)))
	})
}
