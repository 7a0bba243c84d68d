// adapter.go -- identity.Provider over the REST client, with token persistence.
package hosted

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MGallo-Code/pennywise/internal/identity"
	"github.com/MGallo-Code/pennywise/internal/oauth"
	"github.com/MGallo-Code/pennywise/internal/store"
)

// refreshLeeway is how long before expiry an access token is refreshed.
const refreshLeeway = 2 * time.Minute

// errSessionGone marks a rejected access or refresh token: the provider
// session no longer exists.
var errSessionGone = errors.New("hosted session no longer valid")

// Config is the connection info for the hosted service.
type Config struct {
	BaseURL string // e.g. https://<project>.supabase.co/auth/v1
	APIKey  string
	// RecoverRedirect is where the emailed recovery link lands; empty uses the service default.
	RecoverRedirect string
}

// storedTokens is the KeyHostedTokens document.
type storedTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
}

func (t storedTokens) session() identity.Session {
	return identity.Session{UserID: t.UserID, Email: t.Email}
}

// Adapter implements identity.Provider. Safe for concurrent use: the manager
// loop, the refresh loop and the OAuth callback handler all call into it.
type Adapter struct {
	client *client
	kv     store.KV
	cfg    Config
	now    func() time.Time
	log    *slog.Logger

	federated  map[string]oauth.Provider
	pendingTTL time.Duration

	// tokenMu serializes every read-modify-write of the token document,
	// so rotated refresh tokens are never used twice.
	tokenMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]pendingFlow

	subMu   sync.Mutex
	subs    map[int]func(identity.Event)
	nextSub int
}

var _ identity.Provider = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Adapter) { a.client.http = hc }
}

// WithFederated registers an external provider for StartFederatedFlow.
func WithFederated(p oauth.Provider) Option {
	return func(a *Adapter) { a.federated[p.Name()] = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithLogger sets the logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// New builds an Adapter storing its tokens in kv.
func New(cfg Config, kv store.KV, opts ...Option) (*Adapter, error) {
	c, err := newClient(cfg.BaseURL, cfg.APIKey, nil)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		client:     c,
		kv:         kv,
		cfg:        cfg,
		now:        time.Now,
		log:        slog.Default(),
		federated:  make(map[string]oauth.Provider),
		pendingTTL: 10 * time.Minute,
		pending:    make(map[string]pendingFlow),
		subs:       make(map[int]func(identity.Event)),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "hosted")
	return a, nil
}

// --- identity.Provider ---

func (a *Adapter) VerifyCredentials(ctx context.Context, email, password string) (identity.Session, error) {
	tok, err := a.client.passwordGrant(ctx, email, password)
	if err != nil {
		return identity.Session{}, classifyLogin(err)
	}

	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()
	return a.adoptLocked(ctx, tok)
}

func (a *Adapter) CreateAccount(ctx context.Context, email, password string) (identity.SignupResult, error) {
	res, err := a.client.signup(ctx, email, password)
	if err != nil {
		return identity.SignupResult{}, classifySignup(err)
	}

	if !res.hasSession() {
		// Confirmation email sent; the service answered with the bare user.
		if strings.TrimSpace(res.ID) == "" && (res.User == nil || res.User.ID == "") {
			return identity.SignupResult{}, fmt.Errorf("%w: signup response without user", identity.ErrProviderUnavailable)
		}
		return identity.SignupResult{VerificationPending: true}, nil
	}

	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()
	sess, err := a.adoptLocked(ctx, res.tokenPayload)
	if err != nil {
		return identity.SignupResult{}, err
	}
	return identity.SignupResult{Session: &sess}, nil
}

// RequestPasswordReset never reveals whether the email exists. Answers about
// the address itself are logged and swallowed; any other rejection (a bad API
// key, a disabled endpoint) is the service refusing us and surfaces as
// ErrProviderUnavailable.
func (a *Adapter) RequestPasswordReset(ctx context.Context, email string) error {
	err := a.client.recover(ctx, email, a.cfg.RecoverRedirect)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		a.log.Warn("recover request rejected", "status", apiErr.Status, "code", apiErr.Code)
		return nil
	}
	a.log.Error("recover request refused by hosted auth", "status", apiErr.Status, "code", apiErr.Code)
	return fmt.Errorf("%w: recover refused (%d %s)", identity.ErrProviderUnavailable, apiErr.Status, apiErr.Code)
}

func (a *Adapter) UpdatePassword(ctx context.Context, newPassword string) error {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	tok, err := a.freshTokensLocked(ctx)
	if err != nil {
		if errors.Is(err, errSessionGone) {
			return identity.ErrNotAuthenticated
		}
		return err
	}
	if tok == nil {
		return identity.ErrNotAuthenticated
	}

	_, err = a.client.updatePassword(ctx, tok.AccessToken, newPassword)
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
			a.clearTokensLocked(ctx)
			return identity.ErrNotAuthenticated
		case apiErr.is("weak_password"):
			return identity.ErrPasswordTooShort
		}
		return fmt.Errorf("updating password: %w", apiErr)
	}
	return err
}

// EndSession revokes the provider session. Local tokens are dropped first, so
// a failed revoke still leaves nothing behind to restore.
func (a *Adapter) EndSession(ctx context.Context) error {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	tok, err := a.loadTokensLocked(ctx)
	if err != nil || tok == nil {
		a.clearTokensLocked(ctx)
		return err
	}
	a.clearTokensLocked(ctx)

	err = a.client.logout(ctx, tok.AccessToken)
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		// Already-dead token: the session is over either way.
		return nil
	}
	return err
}

// CurrentSession asks the service who the stored access token belongs to.
func (a *Adapter) CurrentSession(ctx context.Context) (*identity.Session, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	tok, err := a.freshTokensLocked(ctx)
	if errors.Is(err, errSessionGone) {
		return nil, nil
	}
	if err != nil || tok == nil {
		return nil, err
	}

	u, err := a.client.user(ctx, tok.AccessToken)
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		a.log.Info("stored hosted session rejected", "status", apiErr.Status)
		a.clearTokensLocked(ctx)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(u.ID) == "" {
		return nil, fmt.Errorf("%w: user response without id", identity.ErrProviderUnavailable)
	}

	if u.ID != tok.UserID || u.Email != tok.Email {
		tok.UserID, tok.Email = u.ID, u.Email
		if err := a.saveTokensLocked(ctx, *tok); err != nil {
			a.log.Warn("failed to update stored hosted identity", "error", err)
		}
	}
	return ptr(tok.session()), nil
}

func (a *Adapter) Subscribe(fn func(identity.Event)) func() {
	a.subMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, id)
			a.subMu.Unlock()
		})
	}
}

// --- Internals ---

func (a *Adapter) publish(ev identity.Event) {
	a.subMu.Lock()
	fns := make([]func(identity.Event), 0, len(a.subs))
	for _, fn := range a.subs {
		fns = append(fns, fn)
	}
	a.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// adoptLocked validates a freshly issued session and stores it.
func (a *Adapter) adoptLocked(ctx context.Context, p tokenPayload) (identity.Session, error) {
	if err := p.validate(); err != nil {
		return identity.Session{}, fmt.Errorf("%w: %v", identity.ErrProviderUnavailable, err)
	}
	tok := storedTokens{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    p.expiry(a.now()),
		UserID:       p.User.ID,
		Email:        p.User.Email,
	}
	if err := a.saveTokensLocked(ctx, tok); err != nil {
		return identity.Session{}, err
	}
	return tok.session(), nil
}

// freshTokensLocked loads the stored tokens, refreshing them when close to expiry.
// Returns (nil, nil) when nothing is stored and errSessionGone when the refresh
// token was rejected (the stored tokens are then cleared).
func (a *Adapter) freshTokensLocked(ctx context.Context) (*storedTokens, error) {
	tok, err := a.loadTokensLocked(ctx)
	if err != nil || tok == nil {
		return nil, err
	}
	if a.now().Add(refreshLeeway).Before(tok.ExpiresAt) {
		return tok, nil
	}
	return a.refreshLocked(ctx, tok)
}

func (a *Adapter) refreshLocked(ctx context.Context, tok *storedTokens) (*storedTokens, error) {
	p, err := a.client.refreshGrant(ctx, tok.RefreshToken)
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		a.log.Info("hosted refresh token rejected", "status", apiErr.Status, "code", apiErr.Code)
		a.clearTokensLocked(ctx)
		return nil, errSessionGone
	}
	if err != nil {
		return nil, err
	}
	if _, err := a.adoptLocked(ctx, p); err != nil {
		return nil, err
	}
	return a.loadTokensLocked(ctx)
}

func (a *Adapter) loadTokensLocked(ctx context.Context) (*storedTokens, error) {
	raw, err := a.kv.Get(ctx, store.KeyHostedTokens)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading hosted tokens: %w", err)
	}
	var tok storedTokens
	if err := json.Unmarshal([]byte(raw), &tok); err != nil || tok.AccessToken == "" || tok.UserID == "" {
		a.log.Warn("discarding unreadable hosted tokens")
		a.clearTokensLocked(ctx)
		return nil, nil
	}
	return &tok, nil
}

func (a *Adapter) saveTokensLocked(ctx context.Context, tok storedTokens) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding hosted tokens: %w", err)
	}
	if err := a.kv.Set(ctx, store.KeyHostedTokens, string(raw)); err != nil {
		return fmt.Errorf("saving hosted tokens: %w", err)
	}
	return nil
}

func (a *Adapter) clearTokensLocked(ctx context.Context) {
	if err := a.kv.Remove(ctx, store.KeyHostedTokens); err != nil {
		a.log.Warn("failed to clear hosted tokens", "error", err)
	}
}

// classifyLogin maps token-endpoint rejections to the taxonomy.
func classifyLogin(err error) error {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.is("email_not_confirmed"):
		return fmt.Errorf("email not confirmed: %w", identity.ErrInvalidCredentials)
	case apiErr.Status == http.StatusUnauthorized, apiErr.Status == http.StatusForbidden:
		// Wrong passwords come back as 400 invalid_grant; these mean our key was refused.
		return fmt.Errorf("%w: token endpoint refused (%d)", identity.ErrProviderUnavailable, apiErr.Status)
	}
	return fmt.Errorf("%w (%s)", identity.ErrInvalidCredentials, apiErr.Code)
}

// classifySignup maps signup rejections to the taxonomy.
func classifySignup(err error) error {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.is("user_already_exists", "email_exists"),
		strings.Contains(strings.ToLower(apiErr.Message), "already registered"):
		return identity.ErrAccountExists
	case apiErr.is("weak_password"):
		return identity.ErrPasswordTooShort
	case apiErr.is("signup_disabled"),
		apiErr.Status == http.StatusUnauthorized, apiErr.Status == http.StatusForbidden:
		return fmt.Errorf("%w: signup refused (%d %s)", identity.ErrProviderUnavailable, apiErr.Status, apiErr.Code)
	}
	return fmt.Errorf("%w (%s)", identity.ErrSignupRejected, apiErr.Code)
}

func ptr[T any](v T) *T { return &v }
