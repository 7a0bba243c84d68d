package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

// --- NewPKCE ---

func TestNewPKCE(t *testing.T) {
	verifier, challenge := NewPKCE()
	// RFC 7636: 43-128 chars
	if len(verifier) < 43 || len(verifier) > 128 {
		t.Errorf("verifier length %d out of range", len(verifier))
	}
	sum := sha256.Sum256([]byte(verifier))
	if want := base64.RawURLEncoding.EncodeToString(sum[:]); challenge != want {
		t.Errorf("challenge is not S256(verifier): got %q want %q", challenge, want)
	}

	v2, _ := NewPKCE()
	if v2 == verifier {
		t.Error("verifiers should be random")
	}
}

// --- NewState ---

func TestNewState(t *testing.T) {
	a, err := NewState()
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}
	b, _ := NewState()
	if a == b {
		t.Error("states should be random")
	}
	if _, err := base64.RawURLEncoding.DecodeString(a); err != nil {
		t.Errorf("state should be raw url base64: %v", err)
	}
}
