// turnstile_test.go -- unit tests for TurnstileVerifier.Verify.
package captcha

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// siteverify starts a fake endpoint answering with body and status.
func siteverify(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("secret") != "test-secret" {
			t.Errorf("secret not forwarded: %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTurnstileVerifier_Verify(t *testing.T) {
	t.Run("success response returns nil", func(t *testing.T) {
		srv := siteverify(t, http.StatusOK, `{"success":true}`)
		v := NewTurnstileVerifier("test-secret", srv.URL)
		if err := v.Verify(context.Background(), "token", "127.0.0.1"); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("rejected token returns ErrRejected with error code", func(t *testing.T) {
		srv := siteverify(t, http.StatusOK, `{"success":false,"error-codes":["invalid-input-response"]}`)
		v := NewTurnstileVerifier("test-secret", srv.URL)
		err := v.Verify(context.Background(), "bad-token", "127.0.0.1")
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("expected ErrRejected, got %v", err)
		}
		if !strings.Contains(err.Error(), "invalid-input-response") {
			t.Errorf("expected error to mention error code, got %q", err.Error())
		}
	})

	t.Run("empty token rejected without a request", func(t *testing.T) {
		v := NewTurnstileVerifier("test-secret", "http://127.0.0.1:1")
		if err := v.Verify(context.Background(), "  ", ""); !errors.Is(err, ErrRejected) {
			t.Errorf("expected ErrRejected, got %v", err)
		}
	})

	t.Run("network error is not a rejection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		v := NewTurnstileVerifier("test-secret", srv.URL)
		err := v.Verify(context.Background(), "token", "127.0.0.1")
		if err == nil || errors.Is(err, ErrRejected) {
			t.Errorf("expected transport error, got %v", err)
		}
	})

	t.Run("non-200 status returns error", func(t *testing.T) {
		srv := siteverify(t, http.StatusInternalServerError, `oops`)
		v := NewTurnstileVerifier("test-secret", srv.URL)
		if err := v.Verify(context.Background(), "token", ""); err == nil {
			t.Error("expected error for 500, got nil")
		}
	})

	t.Run("malformed JSON returns error", func(t *testing.T) {
		srv := siteverify(t, http.StatusOK, "not json")
		v := NewTurnstileVerifier("test-secret", srv.URL)
		if err := v.Verify(context.Background(), "token", "127.0.0.1"); err == nil {
			t.Error("expected non-nil error for malformed JSON, got nil")
		}
	})

	t.Run("cancelled context returns error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":true}`))
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		v := NewTurnstileVerifier("test-secret", srv.URL)
		if err := v.Verify(ctx, "token", "127.0.0.1"); err == nil {
			t.Error("expected non-nil error for cancelled context, got nil")
		}
	})

	t.Run("default endpoint", func(t *testing.T) {
		if v := NewTurnstileVerifier("s", ""); v.endpoint != DefaultTurnstileURL {
			t.Errorf("endpoint = %q", v.endpoint)
		}
	})
}
