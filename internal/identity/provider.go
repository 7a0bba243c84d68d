// provider.go -- Identity Provider contract.
package identity

import "context"

// Provider is an external identity service reachable through a small operation set.
// Implementations validate every payload at their boundary and return either a
// well-formed Session or one of the sentinel errors in errors.go; transport and
// server failures wrap ErrProviderUnavailable.
type Provider interface {
	// VerifyCredentials signs in with email + password.
	VerifyCredentials(ctx context.Context, email, password string) (Session, error)

	// CreateAccount registers a new account. The result may carry no session
	// when the provider requires email verification first.
	CreateAccount(ctx context.Context, email, password string) (SignupResult, error)

	// StartFederatedFlow begins an external redirect flow and returns the URL to
	// send the browser to. The resulting session arrives later via Subscribe.
	StartFederatedFlow(ctx context.Context, provider, returnTarget string) (string, error)

	// RequestPasswordReset dispatches an out-of-band reset artifact. Unknown
	// emails are not reported, so callers cannot learn which addresses exist.
	RequestPasswordReset(ctx context.Context, email string) error

	// UpdatePassword changes the password of the currently signed-in account.
	UpdatePassword(ctx context.Context, newPassword string) error

	// EndSession terminates the provider session.
	EndSession(ctx context.Context) error

	// CurrentSession reports the active session, or nil when there is none.
	CurrentSession(ctx context.Context) (*Session, error)

	// Subscribe registers fn for pushed session changes. fn must not block.
	Subscribe(fn func(Event)) (unsubscribe func())
}
