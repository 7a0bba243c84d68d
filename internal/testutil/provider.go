// provider.go
//
// Stateful in-memory identity.Provider, standing in for the hosted service.
package testutil

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/MGallo-Code/pennywise/internal/identity"
)

// FakeProvider keeps accounts and the current session in maps, like the real service.
// Use the *Err fields and knobs to exercise failure paths.
type FakeProvider struct {
	mu sync.Mutex

	// Error injection...zero value means no error
	VerifyErr  error
	CreateErr  error
	StartErr   error
	ResetErr   error
	UpdateErr  error
	EndErr     error
	CurrentErr error

	// RequireVerification makes CreateAccount return no session.
	RequireVerification bool

	accounts map[string]string // email -> password
	ids      map[string]string // email -> user id
	current  *identity.Session
	subs     map[int]func(identity.Event)
	nextSub  int

	ResetRequests []string // emails passed to RequestPasswordReset
	Updates       []string // passwords passed to UpdatePassword
	EndCalls      int
}

// NewFakeProvider returns a provider with no accounts and no session.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		accounts: make(map[string]string),
		ids:      make(map[string]string),
		subs:     make(map[int]func(identity.Event)),
	}
}

// AddAccount registers an account directly, returning its id.
func (p *FakeProvider) AddAccount(email, password string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addLocked(email, password)
}

func (p *FakeProvider) addLocked(email, password string) string {
	id := fmt.Sprintf("user-%d", len(p.ids)+1)
	p.accounts[email] = password
	p.ids[email] = id
	return id
}

// SetCurrent sets the session CurrentSession reports, without pushing.
func (p *FakeProvider) SetCurrent(s *identity.Session) {
	p.mu.Lock()
	p.current = s
	p.mu.Unlock()
}

// Push delivers ev to every subscriber, as the real service does on its own.
func (p *FakeProvider) Push(ev identity.Event) {
	p.mu.Lock()
	switch ev.Kind {
	case identity.EventSignedIn:
		p.current = ev.Session
	case identity.EventSignedOut:
		p.current = nil
	}
	fns := make([]func(identity.Event), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribers reports how many callbacks are registered.
func (p *FakeProvider) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Password returns the stored password for email.
func (p *FakeProvider) Password(email string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accounts[email]
}

func (p *FakeProvider) VerifyCredentials(_ context.Context, email, password string) (identity.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.VerifyErr != nil {
		return identity.Session{}, p.VerifyErr
	}
	stored, ok := p.accounts[email]
	if !ok || stored != password {
		return identity.Session{}, identity.ErrInvalidCredentials
	}
	s := identity.Session{UserID: p.ids[email], Email: email}
	p.current = &s
	return s, nil
}

func (p *FakeProvider) CreateAccount(_ context.Context, email, password string) (identity.SignupResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return identity.SignupResult{}, p.CreateErr
	}
	if _, ok := p.accounts[email]; ok {
		return identity.SignupResult{}, identity.ErrAccountExists
	}
	id := p.addLocked(email, password)
	if p.RequireVerification {
		return identity.SignupResult{VerificationPending: true}, nil
	}
	s := identity.Session{UserID: id, Email: email}
	p.current = &s
	return identity.SignupResult{Session: &s}, nil
}

func (p *FakeProvider) StartFederatedFlow(_ context.Context, provider, returnTarget string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return "", p.StartErr
	}
	return "https://idp.example.com/authorize?provider=" + url.QueryEscape(provider) +
		"&redirect_to=" + url.QueryEscape(returnTarget), nil
}

func (p *FakeProvider) RequestPasswordReset(_ context.Context, email string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ResetRequests = append(p.ResetRequests, email)
	return p.ResetErr
}

func (p *FakeProvider) UpdatePassword(_ context.Context, newPassword string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.UpdateErr != nil {
		return p.UpdateErr
	}
	if p.current == nil {
		return identity.ErrNotAuthenticated
	}
	p.accounts[p.current.Email] = newPassword
	p.Updates = append(p.Updates, newPassword)
	return nil
}

func (p *FakeProvider) EndSession(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EndCalls++
	if p.EndErr != nil {
		return p.EndErr
	}
	p.current = nil
	return nil
}

func (p *FakeProvider) CurrentSession(context.Context) (*identity.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CurrentErr != nil {
		return nil, p.CurrentErr
	}
	if p.current == nil {
		return nil, nil
	}
	s := *p.current
	return &s, nil
}

func (p *FakeProvider) Subscribe(fn func(identity.Event)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}
