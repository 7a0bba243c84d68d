package local

import (
	"errors"
	"strings"
	"testing"
)

// --- HashPassword ---

func TestHashPassword(t *testing.T) {
	t.Run("output matches PHC format", func(t *testing.T) {
		hash, err := HashPassword("correcthorsebatterystaple")
		if err != nil {
			t.Fatalf("HashPassword returned error: %v", err)
		}

		parts := strings.Split(hash, "$")
		if len(parts) != 6 {
			t.Fatalf("expected 6 parts, got %d: %q", len(parts), hash)
		}
		if parts[1] != "argon2id" {
			t.Errorf("algorithm: expected argon2id, got %q", parts[1])
		}
		if parts[3] != "m=65536,t=3,p=2" {
			t.Errorf("params: expected m=65536,t=3,p=2, got %q", parts[3])
		}
	})

	t.Run("unique salts per call", func(t *testing.T) {
		h1, _ := HashPassword("same-password")
		h2, _ := HashPassword("same-password")
		if h1 == h2 {
			t.Error("two hashes of the same password should differ")
		}
	})
}

// --- VerifyPassword ---

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("password123")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	t.Run("correct password verifies", func(t *testing.T) {
		ok, err := VerifyPassword("password123", hash)
		if err != nil || !ok {
			t.Fatalf("expected match, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		ok, err := VerifyPassword("password124", hash)
		if err != nil {
			t.Fatalf("VerifyPassword: %v", err)
		}
		if ok {
			t.Error("wrong password should not verify")
		}
	})

	t.Run("dummy hash parses and never matches empty", func(t *testing.T) {
		ok, err := VerifyPassword("", dummyPasswordHash)
		if err != nil {
			t.Fatalf("dummy hash should parse, got %v", err)
		}
		if ok {
			t.Error("dummy hash matched")
		}
	})

	t.Run("malformed hashes are rejected", func(t *testing.T) {
		for _, bad := range []string{
			"",
			"plaintext",
			"$bcrypt$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA",
			"$argon2id$v=18$m=65536,t=3,p=2$c2FsdA$aGFzaA",
			"$argon2id$v=19$garbage$c2FsdA$aGFzaA",
			"$argon2id$v=19$m=65536,t=3,p=2$!!!$aGFzaA",
		} {
			ok, err := VerifyPassword("x", bad)
			if ok || !errors.Is(err, errBadHash) {
				t.Errorf("%q: expected errBadHash, got ok=%v err=%v", bad, ok, err)
			}
		}
	})
}
