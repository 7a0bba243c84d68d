// federated.go -- OIDC redirect flow ending in a hosted session.
//
// Start stores state + PKCE verifier in memory and hands back the consent URL.
// The callback exchanges the code, trades the verified ID token for a hosted
// session (grant_type=id_token) and pushes EventSignedIn to subscribers.
package hosted

import (
	"context"
	"fmt"
	"time"

	"github.com/MGallo-Code/pennywise/internal/identity"
	"github.com/MGallo-Code/pennywise/internal/oauth"
)

// pendingFlow is one redirect awaiting its callback.
type pendingFlow struct {
	provider  string
	verifier  string
	returnTo  string
	expiresAt time.Time
}

// StartFederatedFlow returns the consent URL for provider.
func (a *Adapter) StartFederatedFlow(_ context.Context, provider, returnTarget string) (string, error) {
	p, ok := a.federated[provider]
	if !ok {
		return "", fmt.Errorf("unknown federated provider %q: %w", provider, identity.ErrFederatedFlowFailed)
	}

	state, err := oauth.NewState()
	if err != nil {
		return "", fmt.Errorf("%w: %v", identity.ErrFederatedFlowFailed, err)
	}
	verifier, challenge := oauth.NewPKCE()

	now := a.now()
	a.pendingMu.Lock()
	for k, f := range a.pending {
		if now.After(f.expiresAt) {
			delete(a.pending, k)
		}
	}
	a.pending[state] = pendingFlow{
		provider:  provider,
		verifier:  verifier,
		returnTo:  returnTarget,
		expiresAt: now.Add(a.pendingTTL),
	}
	a.pendingMu.Unlock()

	return p.AuthCodeURL(state, challenge), nil
}

// CompleteFederatedFlow finishes the redirect identified by state and returns
// where to send the browser. The session reaches the manager as a push.
// Each state is single use, valid or not.
func (a *Adapter) CompleteFederatedFlow(ctx context.Context, provider, state, code string) (string, error) {
	a.pendingMu.Lock()
	flow, ok := a.pending[state]
	delete(a.pending, state)
	a.pendingMu.Unlock()

	if !ok || flow.provider != provider || a.now().After(flow.expiresAt) {
		return "", fmt.Errorf("unknown or expired oauth state: %w", identity.ErrFederatedFlowFailed)
	}
	p, ok := a.federated[provider]
	if !ok {
		return "", fmt.Errorf("unknown federated provider %q: %w", provider, identity.ErrFederatedFlowFailed)
	}

	claims, err := p.Exchange(ctx, code, flow.verifier)
	if err != nil {
		return "", fmt.Errorf("%w: %v", identity.ErrFederatedFlowFailed, err)
	}
	if claims.RawIDToken == "" {
		return "", fmt.Errorf("%w: provider returned no id token", identity.ErrFederatedFlowFailed)
	}

	tok, err := a.client.idTokenGrant(ctx, provider, claims.RawIDToken)
	if err != nil {
		if identity.Classify(err) == identity.ErrProviderUnavailable {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", identity.ErrFederatedFlowFailed, err)
	}

	a.tokenMu.Lock()
	sess, err := a.adoptLocked(ctx, tok)
	a.tokenMu.Unlock()
	if err != nil {
		return "", err
	}

	a.log.Info("federated sign-in completed", "provider", provider, "user_id", sess.UserID)
	a.publish(identity.Event{Kind: identity.EventSignedIn, Session: &sess})
	return flow.returnTo, nil
}
