// reset.go -- Pending password resets: 6-digit single-use codes, stored hashed.
package local

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/MGallo-Code/pennywise/internal/identity"
	"github.com/MGallo-Code/pennywise/internal/store"
)

// ResetTokenTTL is how long a reset code stays valid.
const ResetTokenTTL = 30 * time.Minute

// MaxResetAttempts is how many wrong codes a pending reset absorbs before it
// is discarded and a new code must be requested.
const MaxResetAttempts = 5

// pendingReset is one value of the KeyPasswordResets document, keyed by email.
// Only the SHA-256 of the code is kept.
type pendingReset struct {
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts,omitempty"`
}

// GenerateResetCode returns a uniformly random 6-digit code, zero padded.
func GenerateResetCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generating reset code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// ForgotPassword stores a fresh code for email, replacing any earlier one, and
// mails it. The code itself is never logged.
func (s *Strategy) ForgotPassword(ctx context.Context, email string) error {
	if email == "" {
		return identity.ErrNoSuchAccount
	}
	accounts, err := s.loadAccounts(ctx)
	if err != nil {
		return err
	}
	if findByEmail(accounts, email) < 0 {
		return identity.ErrNoSuchAccount
	}

	code, err := GenerateResetCode()
	if err != nil {
		return err
	}

	resets, err := s.loadResets(ctx)
	if err != nil {
		return err
	}
	resets[email] = pendingReset{TokenHash: hashCode(code), ExpiresAt: s.now().Add(s.resetTTL).UTC()}
	if err := s.saveResets(ctx, resets); err != nil {
		return err
	}

	if err := s.mailer.SendPasswordReset(ctx, email, code, s.resetTTL, nil); err != nil {
		return fmt.Errorf("dispatching reset code: %w", err)
	}
	s.log.Info("password reset code issued", "email", email)
	return nil
}

// ResetPassword consumes the pending code for req.Email and sets the new password.
// Checks run in order: entry exists, code matches, not expired. An expired
// entry is purged. The entry is removed before the password changes, so a
// code can never be used twice. Every wrong code is counted; the
// MaxResetAttempts-th one discards the entry.
func (s *Strategy) ResetPassword(ctx context.Context, req identity.ResetRequest, _ *identity.Session) error {
	if req.Email == "" || req.Token == "" {
		return identity.ErrInvalidOrExpiredToken
	}

	resets, err := s.loadResets(ctx)
	if err != nil {
		return err
	}
	entry, ok := resets[req.Email]
	if !ok {
		return identity.ErrInvalidOrExpiredToken
	}
	if subtle.ConstantTimeCompare([]byte(hashCode(req.Token)), []byte(entry.TokenHash)) != 1 {
		entry.Attempts++
		if entry.Attempts >= MaxResetAttempts {
			delete(resets, req.Email)
			s.log.Warn("password reset discarded after repeated wrong codes", "email", req.Email)
		} else {
			resets[req.Email] = entry
		}
		// An uncounted guess is a free guess, so a failed save fails the call.
		if err := s.saveResets(ctx, resets); err != nil {
			return err
		}
		return identity.ErrTokenMismatch
	}

	delete(resets, req.Email)
	if err := s.saveResets(ctx, resets); err != nil {
		return err
	}
	if s.now().After(entry.ExpiresAt) {
		return identity.ErrInvalidOrExpiredToken
	}

	accounts, err := s.loadAccounts(ctx)
	if err != nil {
		return err
	}
	i := findByEmail(accounts, req.Email)
	if i < 0 {
		return identity.ErrNoSuchAccount
	}
	hash, err := HashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	accounts[i].PasswordHash = hash
	if err := s.saveAccounts(ctx, accounts); err != nil {
		return err
	}
	s.log.Info("password reset completed", "user_id", accounts[i].ID)
	return nil
}

func (s *Strategy) loadResets(ctx context.Context) (map[string]pendingReset, error) {
	resets := make(map[string]pendingReset)
	raw, err := s.kv.Get(ctx, store.KeyPasswordResets)
	if errors.Is(err, store.ErrNotFound) {
		return resets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading password resets: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &resets); err != nil {
		return nil, fmt.Errorf("decoding password resets: %w", err)
	}
	return resets, nil
}

func (s *Strategy) saveResets(ctx context.Context, resets map[string]pendingReset) error {
	raw, err := json.Marshal(resets)
	if err != nil {
		return fmt.Errorf("encoding password resets: %w", err)
	}
	if err := s.kv.Set(ctx, store.KeyPasswordResets, string(raw)); err != nil {
		return fmt.Errorf("saving password resets: %w", err)
	}
	return nil
}
