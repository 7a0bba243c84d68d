// Package local is the fallback authentication strategy: accounts, password
// hashes and pending reset codes all live in the KV store and the manager is
// its own authority.
//
// strategy.go -- session.Strategy over store.KV.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/pennywise/internal/identity"
	"github.com/MGallo-Code/pennywise/internal/session"
	"github.com/MGallo-Code/pennywise/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Demo account seeded when LOCAL_SEED_DEMO is set.
const (
	DemoEmail    = "demo@example.com"
	DemoPassword = "password123"
)

// Mailer delivers reset codes out of band.
// Satisfied by every internal/mail implementation -- defined here (at consumer).
type Mailer interface {
	SendPasswordReset(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error
}

// account is one entry of the KeyUsers document.
type account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Strategy implements session.Strategy. Its methods run on the manager loop,
// so KV read-modify-write sequences never interleave.
type Strategy struct {
	kv       store.KV
	mailer   Mailer
	now      func() time.Time
	resetTTL time.Duration
	log      *slog.Logger
}

var _ session.Strategy = (*Strategy)(nil)

// Option configures a Strategy.
type Option func(*Strategy)

// WithClock replaces time.Now, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Strategy) { s.now = now }
}

// WithLogger sets the logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Strategy) { s.log = l }
}

// New returns a local Strategy persisting to kv and mailing reset codes through mailer.
func New(kv store.KV, mailer Mailer, opts ...Option) *Strategy {
	s := &Strategy{
		kv:       kv,
		mailer:   mailer,
		now:      time.Now,
		resetTTL: ResetTokenTTL,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Strategy) Name() string { return "local" }

// SeedDemo creates the demo account unless it already exists.
// Call before the manager starts.
func (s *Strategy) SeedDemo(ctx context.Context) error {
	accounts, err := s.loadAccounts(ctx)
	if err != nil {
		return err
	}
	if findByEmail(accounts, DemoEmail) >= 0 {
		return nil
	}
	if _, err := s.createAccount(ctx, accounts, DemoEmail, DemoPassword); err != nil {
		return fmt.Errorf("seeding demo account: %w", err)
	}
	s.log.Info("seeded demo account", "email", DemoEmail)
	return nil
}

// Restore trusts the mirror only while its account still exists.
func (s *Strategy) Restore(ctx context.Context, mirror session.MirrorReader) (*identity.Session, error) {
	mirrored, err := mirror(ctx)
	if err != nil || mirrored == nil {
		return nil, err
	}
	accounts, err := s.loadAccounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.ID == mirrored.UserID {
			return &identity.Session{UserID: a.ID, Email: a.Email}, nil
		}
	}
	return nil, nil
}

func (s *Strategy) Login(ctx context.Context, email, password string) (identity.Session, error) {
	accounts, err := s.loadAccounts(ctx)
	if err != nil {
		return identity.Session{}, err
	}

	i := findByEmail(accounts, email)
	hash := dummyPasswordHash
	if i >= 0 {
		hash = accounts[i].PasswordHash
	}
	ok, err := VerifyPassword(password, hash)
	if err != nil {
		s.log.Error("stored password hash unreadable", "email", email, "error", err)
	}
	if i < 0 || !ok {
		return identity.Session{}, identity.ErrInvalidCredentials
	}
	return identity.Session{UserID: accounts[i].ID, Email: accounts[i].Email}, nil
}

func (s *Strategy) Signup(ctx context.Context, email, password string) (identity.SignupResult, error) {
	accounts, err := s.loadAccounts(ctx)
	if err != nil {
		return identity.SignupResult{}, err
	}
	if findByEmail(accounts, email) >= 0 {
		return identity.SignupResult{}, identity.ErrAccountExists
	}
	a, err := s.createAccount(ctx, accounts, email, password)
	if err != nil {
		return identity.SignupResult{}, err
	}
	return identity.SignupResult{Session: &identity.Session{UserID: a.ID, Email: a.Email}}, nil
}

// Logout has nothing to end; the manager clears the mirror.
func (s *Strategy) Logout(context.Context, *identity.Session) error { return nil }

func (s *Strategy) StartFederated(context.Context, string) (string, error) {
	return "", fmt.Errorf("federated sign-in needs a hosted identity provider: %w", identity.ErrFederatedFlowFailed)
}

// Subscribe is a no-op: nothing outside the manager changes local sessions.
func (s *Strategy) Subscribe(func(identity.Event)) func() { return func() {} }

func (s *Strategy) createAccount(ctx context.Context, accounts []account, email, password string) (account, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return account{}, fmt.Errorf("generating account id: %w", err)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return account{}, err
	}
	a := account{ID: id.String(), Email: email, PasswordHash: hash, CreatedAt: s.now().UTC()}
	if err := s.saveAccounts(ctx, append(accounts, a)); err != nil {
		return account{}, err
	}
	return a, nil
}

func (s *Strategy) loadAccounts(ctx context.Context) ([]account, error) {
	raw, err := s.kv.Get(ctx, store.KeyUsers)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}
	var accounts []account
	if err := json.Unmarshal([]byte(raw), &accounts); err != nil {
		return nil, fmt.Errorf("decoding accounts: %w", err)
	}
	return accounts, nil
}

func (s *Strategy) saveAccounts(ctx context.Context, accounts []account) error {
	raw, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("encoding accounts: %w", err)
	}
	if err := s.kv.Set(ctx, store.KeyUsers, string(raw)); err != nil {
		return fmt.Errorf("saving accounts: %w", err)
	}
	return nil
}

// findByEmail returns the index of the account with email, or -1.
// email is expected normalised.
func findByEmail(accounts []account, email string) int {
	for i, a := range accounts {
		if identity.NormalizeEmail(a.Email) == email {
			return i
		}
	}
	return -1
}
