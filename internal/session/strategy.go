// strategy.go -- Authentication strategies the Manager drives.
//
// Exactly one strategy is chosen at startup (AUTH_MODE). local.Strategy is the
// fallback where the manager itself is the authority; ProviderBacked defers every
// decision to an identity.Provider.
package session

import (
	"context"
	"fmt"

	"github.com/MGallo-Code/pennywise/internal/identity"
)

// MirrorReader loads the persisted session mirror; nil when none is stored.
type MirrorReader func(ctx context.Context) (*identity.Session, error)

// Strategy performs the authority-specific half of each manager operation.
// Methods run on the manager loop only, never concurrently with each other.
type Strategy interface {
	// Name identifies the strategy in logs and metrics.
	Name() string

	// Restore recovers the session active at startup, or nil.
	// Provider-backed strategies must not call mirror.
	Restore(ctx context.Context, mirror MirrorReader) (*identity.Session, error)

	Login(ctx context.Context, email, password string) (identity.Session, error)
	Signup(ctx context.Context, email, password string) (identity.SignupResult, error)

	// Logout ends the session with the authority; the manager clears local state regardless.
	Logout(ctx context.Context, current *identity.Session) error

	StartFederated(ctx context.Context, returnTo string) (string, error)
	ForgotPassword(ctx context.Context, email string) error

	// ResetPassword receives a request already checked for length and confirmation.
	ResetPassword(ctx context.Context, req identity.ResetRequest, current *identity.Session) error

	// Subscribe registers fn for authority-pushed changes.
	Subscribe(fn func(identity.Event)) (unsubscribe func())
}

// ProviderBacked adapts an identity.Provider to Strategy.
type ProviderBacked struct {
	provider  identity.Provider
	federated string
}

// NewProviderBacked returns a Strategy over p. federated names the external
// provider used by StartFederated (e.g. "google").
func NewProviderBacked(p identity.Provider, federated string) *ProviderBacked {
	return &ProviderBacked{provider: p, federated: federated}
}

func (s *ProviderBacked) Name() string { return "hosted" }

// Restore asks the provider; the mirror is never consulted in this mode.
func (s *ProviderBacked) Restore(ctx context.Context, _ MirrorReader) (*identity.Session, error) {
	sess, err := s.provider.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	if sess != nil && !sess.Valid() {
		return nil, fmt.Errorf("provider returned session without user id: %w", identity.ErrProviderUnavailable)
	}
	return sess, nil
}

func (s *ProviderBacked) Login(ctx context.Context, email, password string) (identity.Session, error) {
	sess, err := s.provider.VerifyCredentials(ctx, email, password)
	if err != nil {
		return identity.Session{}, err
	}
	if !sess.Valid() {
		return identity.Session{}, fmt.Errorf("provider returned session without user id: %w", identity.ErrProviderUnavailable)
	}
	return sess, nil
}

func (s *ProviderBacked) Signup(ctx context.Context, email, password string) (identity.SignupResult, error) {
	res, err := s.provider.CreateAccount(ctx, email, password)
	if err != nil {
		return identity.SignupResult{}, err
	}
	if res.Session != nil && !res.Session.Valid() {
		return identity.SignupResult{}, fmt.Errorf("provider returned session without user id: %w", identity.ErrProviderUnavailable)
	}
	// No session means the provider wants the address confirmed first.
	if res.Session == nil {
		res.VerificationPending = true
	}
	return res, nil
}

func (s *ProviderBacked) Logout(ctx context.Context, _ *identity.Session) error {
	return s.provider.EndSession(ctx)
}

func (s *ProviderBacked) StartFederated(ctx context.Context, returnTo string) (string, error) {
	if s.federated == "" {
		return "", fmt.Errorf("no federated provider configured: %w", identity.ErrFederatedFlowFailed)
	}
	return s.provider.StartFederatedFlow(ctx, s.federated, returnTo)
}

// ForgotPassword is opaque: the provider never says whether the email exists.
func (s *ProviderBacked) ForgotPassword(ctx context.Context, email string) error {
	return s.provider.RequestPasswordReset(ctx, email)
}

// ResetPassword updates the signed-in account; the recovery link signs the user in first.
func (s *ProviderBacked) ResetPassword(ctx context.Context, req identity.ResetRequest, current *identity.Session) error {
	if current == nil {
		return identity.ErrNotAuthenticated
	}
	return s.provider.UpdatePassword(ctx, req.NewPassword)
}

func (s *ProviderBacked) Subscribe(fn func(identity.Event)) func() {
	return s.provider.Subscribe(fn)
}
