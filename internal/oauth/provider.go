// Package oauth wraps external OpenID Connect providers for the federated
// sign-in flow.
//
// provider.go -- Provider interface, claims, PKCE and state helpers.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// Claims holds the verified identity returned by a provider.
// RawIDToken is the signed token itself, forwarded to the hosted identity
// service which re-verifies it before issuing a session.
type Claims struct {
	Sub           string
	Email         string
	EmailVerified bool
	RawIDToken    string
}

// Provider is an OAuth2/OIDC identity provider.
// PKCE (RFC 7636) is required: callers pass the code_challenge to AuthCodeURL and the
// matching code_verifier to Exchange.
type Provider interface {
	// Name is the identifier used in callback URLs and sent to the hosted service.
	Name() string

	// AuthCodeURL returns the consent URL with state and PKCE code_challenge embedded.
	AuthCodeURL(state, codeChallenge string) string

	// Exchange trades the authorization code for verified claims.
	Exchange(ctx context.Context, code, codeVerifier string) (*Claims, error)
}

// NewState returns a random URL-safe value binding a callback to its redirect.
func NewState() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// NewPKCE returns a code_verifier and its S256 code_challenge.
func NewPKCE() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}
