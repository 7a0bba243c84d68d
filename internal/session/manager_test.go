package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MGallo-Code/pennywise/internal/identity"
	"github.com/MGallo-Code/pennywise/internal/store"
	"github.com/MGallo-Code/pennywise/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helpers ---

// recorder collects observer notifications.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) observe(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

// startManager builds a hosted-mode manager over p and kv and waits for restore.
func startManager(t *testing.T, p *testutil.FakeProvider, kv store.KV) (*Manager, *recorder) {
	t.Helper()
	return startWith(t, NewProviderBacked(p, "google"), kv)
}

func startWith(t *testing.T, s Strategy, kv store.KV) (*Manager, *recorder) {
	t.Helper()
	m := New(s, kv, WithOpTimeout(2*time.Second))
	rec := &recorder{}
	m.Subscribe(rec.observe)
	m.Start(context.Background())
	t.Cleanup(m.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.WaitReady(ctx))
	return m, rec
}

func mirrorOf(t *testing.T, kv store.KV) *identity.Session {
	t.Helper()
	raw, err := kv.Get(context.Background(), store.KeyCurrentUser)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	var s identity.Session
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	return &s
}

func writeMirror(t *testing.T, kv store.KV, s identity.Session) {
	t.Helper()
	raw, _ := json.Marshal(s)
	require.NoError(t, kv.Set(context.Background(), store.KeyCurrentUser, string(raw)))
}

// --- Start / restore ---

func TestRestore(t *testing.T) {
	t.Run("provider session restores Authenticated and mirrors it", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.SetCurrent(&identity.Session{UserID: "u1", Email: "a@example.com"})
		kv := store.NewMemoryStore()

		m, _ := startManager(t, p, kv)

		snap := m.Snapshot()
		assert.Equal(t, Authenticated, snap.State)
		require.NotNil(t, snap.Session)
		assert.Equal(t, "u1", snap.Session.UserID)
		assert.Equal(t, "u1", mirrorOf(t, kv).UserID)
		assert.False(t, m.Loading())
	})

	t.Run("hosted mode ignores the mirror", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		kv := store.NewMemoryStore()
		writeMirror(t, kv, identity.Session{UserID: "stale", Email: "old@example.com"})

		m, _ := startManager(t, p, kv)

		assert.Equal(t, Unauthenticated, m.Snapshot().State)
		assert.Nil(t, mirrorOf(t, kv), "stale mirror should be cleared when the provider has no session")
	})

	t.Run("provider unavailable starts signed out and keeps mirror", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.CurrentErr = identity.ErrProviderUnavailable
		kv := store.NewMemoryStore()
		writeMirror(t, kv, identity.Session{UserID: "u9", Email: "x@example.com"})

		m, _ := startManager(t, p, kv)

		assert.Equal(t, Unauthenticated, m.Snapshot().State)
		assert.NotNil(t, mirrorOf(t, kv))
	})

	t.Run("subscription is registered before the restore query", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		gate := make(chan struct{})
		s := &gatedRestore{ProviderBacked: NewProviderBacked(p, ""), gate: gate}

		m := New(s, store.NewMemoryStore())
		rec := &recorder{}
		m.Subscribe(rec.observe)
		m.Start(context.Background())
		t.Cleanup(m.Close)

		// Restore is blocked; this push must be queued, not lost
		require.Eventually(t, func() bool { return p.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
		assert.True(t, m.Loading())
		p.Push(identity.Event{Kind: identity.EventSignedIn, Session: &identity.Session{UserID: "pushed", Email: "p@example.com"}})
		close(gate)

		require.NoError(t, m.WaitReady(context.Background()))
		require.Eventually(t, func() bool {
			id, ok := m.CurrentUserID()
			return ok && id == "pushed"
		}, time.Second, 5*time.Millisecond)

		snaps := rec.all()
		require.Len(t, snaps, 2)
		assert.Equal(t, Unauthenticated, snaps[0].State, "restore settles first")
		assert.Equal(t, Authenticated, snaps[1].State)
	})
}

// gatedRestore blocks Restore until gate closes, then reports no session,
// as the provider would have when the query was issued.
type gatedRestore struct {
	*ProviderBacked
	gate chan struct{}
}

func (g *gatedRestore) Restore(context.Context, MirrorReader) (*identity.Session, error) {
	<-g.gate
	return nil, nil
}

// --- Login ---

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("success authenticates with provider identity", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		id := p.AddAccount("a@example.com", "secret1")
		kv := store.NewMemoryStore()
		m, rec := startManager(t, p, kv)

		sess, err := m.Login(ctx, "  A@Example.com ", "secret1")
		require.NoError(t, err)
		assert.Equal(t, id, sess.UserID)

		uid, ok := m.CurrentUserID()
		assert.True(t, ok)
		assert.Equal(t, id, uid)
		assert.Equal(t, id, mirrorOf(t, kv).UserID)

		snaps := rec.all()
		require.NotEmpty(t, snaps)
		assert.Equal(t, Authenticated, snaps[len(snaps)-1].State)
	})

	t.Run("wrong password leaves state unchanged", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.AddAccount("a@example.com", "secret1")
		m, _ := startManager(t, p, store.NewMemoryStore())

		_, err := m.Login(ctx, "a@example.com", "nope")
		assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
		assert.Equal(t, Unauthenticated, m.Snapshot().State)
	})

	t.Run("empty fields rejected before provider", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.VerifyErr = errors.New("must not be called")
		m, _ := startManager(t, p, store.NewMemoryStore())

		_, err := m.Login(ctx, "", "x")
		assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
		_, err = m.Login(ctx, "a@example.com", "")
		assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
	})

	t.Run("mirror write failure fails login and ends provider session", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.AddAccount("a@example.com", "secret1")
		kv := testutil.NewFlakyKV()
		m, _ := startManager(t, p, kv)
		kv.FailSet(errors.New("disk full"))

		_, err := m.Login(ctx, "a@example.com", "secret1")
		require.Error(t, err)
		assert.Equal(t, Unauthenticated, m.Snapshot().State)
		assert.Equal(t, 1, p.EndCalls)
	})

	t.Run("identical re-login does not notify", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.AddAccount("a@example.com", "secret1")
		m, rec := startManager(t, p, store.NewMemoryStore())

		_, err := m.Login(ctx, "a@example.com", "secret1")
		require.NoError(t, err)
		before := len(rec.all())
		_, err = m.Login(ctx, "a@example.com", "secret1")
		require.NoError(t, err)
		assert.Len(t, rec.all(), before)
	})
}

// --- Signup ---

func TestSignup(t *testing.T) {
	ctx := context.Background()

	t.Run("creates account and authenticates", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		m, _ := startManager(t, p, store.NewMemoryStore())

		res, err := m.Signup(ctx, "new@example.com", "123456")
		require.NoError(t, err)
		require.NotNil(t, res.Session)
		assert.False(t, res.VerificationPending)
		assert.Equal(t, Authenticated, m.Snapshot().State)
	})

	t.Run("verification pending leaves state unchanged", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.RequireVerification = true
		kv := store.NewMemoryStore()
		m, _ := startManager(t, p, kv)

		res, err := m.Signup(ctx, "new@example.com", "123456")
		require.NoError(t, err)
		assert.True(t, res.VerificationPending)
		assert.Nil(t, res.Session)
		assert.Equal(t, Unauthenticated, m.Snapshot().State)
		assert.Nil(t, mirrorOf(t, kv))
	})

	t.Run("short password rejected before provider", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		m, _ := startManager(t, p, store.NewMemoryStore())

		_, err := m.Signup(ctx, "new@example.com", "12345")
		assert.ErrorIs(t, err, identity.ErrPasswordTooShort)
		assert.Empty(t, p.Password("new@example.com"))
	})

	t.Run("duplicate email surfaces ErrAccountExists", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.AddAccount("dup@example.com", "original")
		m, _ := startManager(t, p, store.NewMemoryStore())

		_, err := m.Signup(ctx, "dup@example.com", "another")
		assert.ErrorIs(t, err, identity.ErrAccountExists)
		assert.Equal(t, "original", p.Password("dup@example.com"))
	})
}

// --- Logout ---

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("provider failure never surfaces", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.AddAccount("a@example.com", "secret1")
		kv := store.NewMemoryStore()
		m, _ := startManager(t, p, kv)
		_, err := m.Login(ctx, "a@example.com", "secret1")
		require.NoError(t, err)

		p.EndErr = identity.ErrProviderUnavailable
		require.NoError(t, m.Logout(ctx))

		assert.Equal(t, Unauthenticated, m.Snapshot().State)
		assert.Nil(t, mirrorOf(t, kv))
		_, ok := m.CurrentUserID()
		assert.False(t, ok)
	})

	t.Run("mirror removal failure still clears state", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.AddAccount("a@example.com", "secret1")
		kv := testutil.NewFlakyKV()
		m, _ := startManager(t, p, kv)
		_, err := m.Login(ctx, "a@example.com", "secret1")
		require.NoError(t, err)

		kv.FailRemove(errors.New("io error"))
		require.NoError(t, m.Logout(ctx))
		assert.Equal(t, Unauthenticated, m.Snapshot().State)
	})

	t.Run("runs even when the caller's context is already cancelled", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.AddAccount("a@example.com", "secret1")
		m, _ := startManager(t, p, store.NewMemoryStore())
		_, err := m.Login(ctx, "a@example.com", "secret1")
		require.NoError(t, err)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		require.NoError(t, m.Logout(cancelled))
		assert.Equal(t, Unauthenticated, m.Snapshot().State)
	})
}

// --- Provider pushes ---

func TestPushes(t *testing.T) {
	p := testutil.NewFakeProvider()
	kv := store.NewMemoryStore()
	m, rec := startManager(t, p, kv)
	alice := &identity.Session{UserID: "u-alice", Email: "alice@example.com"}

	p.Push(identity.Event{Kind: identity.EventSignedIn, Session: alice})
	require.Eventually(t, func() bool { return m.Snapshot().State == Authenticated }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "u-alice", mirrorOf(t, kv).UserID)

	// Same session again: no net change, no notification
	p.Push(identity.Event{Kind: identity.EventSignedIn, Session: alice})
	p.Push(identity.Event{Kind: identity.EventUserUpdated, Session: &identity.Session{UserID: "u-alice", Email: "alice@new.example.com"}})
	require.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.Session != nil && s.Session.Email == "alice@new.example.com"
	}, time.Second, 5*time.Millisecond)

	p.Push(identity.Event{Kind: identity.EventSignedOut})
	require.Eventually(t, func() bool { return m.Snapshot().State == Unauthenticated }, time.Second, 5*time.Millisecond)
	assert.Nil(t, mirrorOf(t, kv))

	p.Push(identity.Event{Kind: identity.EventSignedOut})
	p.Push(identity.Event{Kind: identity.EventSignedIn}) // no session: ignored

	// Barrier: a queued op runs after the pushes above
	require.NoError(t, m.ForgotPassword(context.Background(), "x@example.com"))

	snaps := rec.all()
	// restore(unauth), signed in, email updated, signed out
	require.Len(t, snaps, 4)
	assert.Equal(t, Unauthenticated, snaps[0].State)
	assert.Equal(t, "alice@example.com", snaps[1].Session.Email)
	assert.Equal(t, "alice@new.example.com", snaps[2].Session.Email)
	assert.Equal(t, Unauthenticated, snaps[3].State)
}

// --- Federated sign-in ---

func TestStartFederatedSignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("returns provider redirect without changing state", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		m, _ := startManager(t, p, store.NewMemoryStore())

		u, err := m.StartFederatedSignIn(ctx, "http://localhost:7865/")
		require.NoError(t, err)
		assert.Contains(t, u, "provider=google")
		assert.Equal(t, Unauthenticated, m.Snapshot().State)
	})

	t.Run("provider error maps to ErrFederatedFlowFailed", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.StartErr = errors.New("boom")
		m, _ := startManager(t, p, store.NewMemoryStore())

		_, err := m.StartFederatedSignIn(ctx, "/")
		assert.ErrorIs(t, err, identity.ErrFederatedFlowFailed)
	})

	t.Run("no federated provider configured", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		m, _ := startWith(t, NewProviderBacked(p, ""), store.NewMemoryStore())

		_, err := m.StartFederatedSignIn(ctx, "/")
		assert.ErrorIs(t, err, identity.ErrFederatedFlowFailed)
	})
}

// --- Forgot / reset (hosted) ---

func TestHostedPasswordReset(t *testing.T) {
	ctx := context.Background()

	t.Run("forgot is opaque and never changes state", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		m, rec := startManager(t, p, store.NewMemoryStore())
		before := len(rec.all())

		require.NoError(t, m.ForgotPassword(ctx, "Nobody@Example.com"))
		assert.Equal(t, []string{"nobody@example.com"}, p.ResetRequests)
		assert.Len(t, rec.all(), before)
	})

	t.Run("reset requires an authenticated session", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		m, _ := startManager(t, p, store.NewMemoryStore())

		err := m.ResetPassword(ctx, identity.ResetRequest{NewPassword: "newpass1"})
		assert.ErrorIs(t, err, identity.ErrNotAuthenticated)
	})

	t.Run("validation order: mismatch before length", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		m, _ := startManager(t, p, store.NewMemoryStore())

		err := m.ResetPassword(ctx, identity.ResetRequest{NewPassword: "abc", Confirm: "abd"})
		assert.ErrorIs(t, err, identity.ErrPasswordMismatch)
		err = m.ResetPassword(ctx, identity.ResetRequest{NewPassword: "abc", Confirm: "abc"})
		assert.ErrorIs(t, err, identity.ErrPasswordTooShort)
	})

	t.Run("signed-in reset updates provider password", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.AddAccount("a@example.com", "secret1")
		m, _ := startManager(t, p, store.NewMemoryStore())
		_, err := m.Login(ctx, "a@example.com", "secret1")
		require.NoError(t, err)

		require.NoError(t, m.ResetPassword(ctx, identity.ResetRequest{NewPassword: "secret2", Confirm: "secret2"}))
		assert.Equal(t, "secret2", p.Password("a@example.com"))
		assert.Equal(t, Authenticated, m.Snapshot().State)
	})
}

// --- Lifecycle ---

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("operations before Start fail fast", func(t *testing.T) {
		m := New(NewProviderBacked(testutil.NewFakeProvider(), ""), store.NewMemoryStore())
		_, err := m.Login(ctx, "a@example.com", "x")
		assert.ErrorIs(t, err, ErrNotStarted)
		assert.True(t, m.Loading())
	})

	t.Run("Close unsubscribes and is idempotent", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		m := New(NewProviderBacked(p, ""), store.NewMemoryStore())
		m.Start(ctx)
		m.Start(ctx)
		require.NoError(t, m.WaitReady(ctx))
		assert.Equal(t, 1, p.Subscribers())

		m.Close()
		m.Close()
		assert.Equal(t, 0, p.Subscribers())
		_, err := m.Login(ctx, "a@example.com", "x")
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("unsubscribed observers stop receiving", func(t *testing.T) {
		p := testutil.NewFakeProvider()
		p.AddAccount("a@example.com", "secret1")
		m, _ := startManager(t, p, store.NewMemoryStore())

		rec := &recorder{}
		unsub := m.Subscribe(rec.observe)
		unsub()
		unsub()
		_, err := m.Login(ctx, "a@example.com", "secret1")
		require.NoError(t, err)
		assert.Empty(t, rec.all())
	})
}

// --- Abandoned calls ---

// blockingLogin holds Login until release closes.
type blockingLogin struct {
	*ProviderBacked
	entered chan struct{}
	release chan struct{}
}

func (b *blockingLogin) Login(ctx context.Context, email, password string) (identity.Session, error) {
	close(b.entered)
	<-b.release
	return b.ProviderBacked.Login(ctx, email, password)
}

func TestAbandonedCallCompletes(t *testing.T) {
	p := testutil.NewFakeProvider()
	p.AddAccount("a@example.com", "secret1")
	s := &blockingLogin{
		ProviderBacked: NewProviderBacked(p, ""),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	kv := store.NewMemoryStore()
	m, _ := startWith(t, s, kv)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := m.Login(ctx, "a@example.com", "secret1")
		errc <- err
	}()

	<-s.entered
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// The provider call finishes after the caller left; the result is applied whole
	close(s.release)
	require.Eventually(t, func() bool { return m.Snapshot().State == Authenticated }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, mirrorOf(t, kv))
}

// --- State ---

func TestStateString(t *testing.T) {
	assert.Equal(t, "initializing", Initializing.String())
	assert.Equal(t, "unauthenticated", Unauthenticated.String())
	assert.Equal(t, "authenticated", Authenticated.String())
	assert.Equal(t, "state(9)", State(9).String())
}
