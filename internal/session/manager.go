// Package session implements the Session/Credential Manager: the single owner of
// the authenticated user.
//
// manager.go -- Actor loop, state machine and public operations.
//
// Every operation and every provider push runs on one goroutine, so state,
// the persisted mirror and observer notifications always move together.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MGallo-Code/pennywise/internal/identity"
	"github.com/MGallo-Code/pennywise/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotStarted is returned by operations issued before Start.
var ErrNotStarted = errors.New("session manager not started")

// ErrClosed is returned by operations issued after Close.
var ErrClosed = errors.New("session manager closed")

// DefaultOpTimeout bounds one operation on the loop, including an abandoned one.
const DefaultOpTimeout = 30 * time.Second

// State is the manager's lifecycle position.
type State int

const (
	Initializing State = iota
	Unauthenticated
	Authenticated
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Snapshot is the net session view handed to readers and observers.
// Session is non-nil iff State is Authenticated.
type Snapshot struct {
	State   State
	Session *identity.Session
}

func (s Snapshot) equal(o Snapshot) bool {
	if s.State != o.State {
		return false
	}
	if s.Session == nil || o.Session == nil {
		return s.Session == o.Session
	}
	return *s.Session == *o.Session
}

// clone detaches the session pointer so callers can't mutate manager state.
func (s Snapshot) clone() Snapshot {
	if s.Session != nil {
		sess := *s.Session
		s.Session = &sess
	}
	return s
}

// Recorder receives operation outcomes and state changes (see internal/metrics).
// Defined here at the consumer; nil-safe via nopRecorder.
type Recorder interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
	SetAuthenticated(authenticated bool)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, string, time.Duration) {}
func (nopRecorder) SetAuthenticated(bool)                          {}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithRecorder wires operation metrics.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.rec = r
		}
	}
}

// WithOpTimeout overrides DefaultOpTimeout.
func WithOpTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.opTimeout = d
		}
	}
}

// command is one operation queued for the loop.
// always marks operations that must run even if the caller has gone away (logout).
type command struct {
	ctx    context.Context
	always bool
	run    func(ctx context.Context) error
	done   chan error
}

// Manager owns the session. Build with New, then Start; there is no package-level instance.
type Manager struct {
	strategy  Strategy
	kv        store.KV
	log       *slog.Logger
	rec       Recorder
	tracer    trace.Tracer
	opTimeout time.Duration

	cmds  chan command
	wake  chan struct{}
	stop  chan struct{}
	ready chan struct{}
	done  chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	lifeMu    sync.Mutex
	started   bool
	closed    bool
	unsub     func()

	// pending holds provider pushes until the loop drains them.
	pushMu  sync.Mutex
	pending []identity.Event

	// snap is written only by the loop; the lock serves concurrent readers.
	snapMu sync.RWMutex
	snap   Snapshot

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// New builds a Manager in the Initializing state.
func New(strategy Strategy, kv store.KV, opts ...Option) *Manager {
	m := &Manager{
		strategy:  strategy,
		kv:        kv,
		log:       slog.Default(),
		rec:       nopRecorder{},
		tracer:    otel.Tracer("github.com/MGallo-Code/pennywise/internal/session"),
		opTimeout: DefaultOpTimeout,
		cmds:      make(chan command),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		snap:      Snapshot{State: Initializing},
		subs:      make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "session", "strategy", strategy.Name())
	return m
}

// Start subscribes to provider pushes, then launches the loop, whose first
// step is the restore query. Pushes arriving during restore wait for it.
// The loop stops when ctx is cancelled or Close is called. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.lifeMu.Lock()
		if m.closed {
			m.lifeMu.Unlock()
			return
		}
		m.started = true
		m.unsub = m.strategy.Subscribe(m.enqueuePush)
		m.lifeMu.Unlock()

		go m.loop(ctx)
	})
}

// Close unsubscribes from the provider and stops the loop, waiting for the
// in-flight operation to finish. Safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.lifeMu.Lock()
		m.closed = true
		started := m.started
		unsub := m.unsub
		m.lifeMu.Unlock()

		if unsub != nil {
			unsub()
		}
		close(m.stop)
		if started {
			<-m.done
		}
	})
}

// WaitReady blocks until the initial restore has finished.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stop:
		return ErrClosed
	}
}

// Snapshot returns the current state and session.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.clone()
}

// Loading reports whether the initial restore is still running.
func (m *Manager) Loading() bool {
	return m.Snapshot().State == Initializing
}

// CurrentUserID is the only session datum other components read.
func (m *Manager) CurrentUserID() (string, bool) {
	snap := m.Snapshot()
	if snap.Session == nil {
		return "", false
	}
	return snap.Session.UserID, true
}

// Subscribe registers fn for every net session change. fn runs on the manager
// loop and must not block or call back into the manager.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// --- Operations ---

// Login verifies email + password with the active authority and signs in.
// On failure the state is unchanged.
func (m *Manager) Login(ctx context.Context, email, password string) (identity.Session, error) {
	var out identity.Session
	err := m.call(ctx, "login", false, func(ctx context.Context) error {
		email := identity.NormalizeEmail(email)
		if email == "" || password == "" {
			return identity.ErrInvalidCredentials
		}
		sess, err := m.strategy.Login(ctx, email, password)
		if err != nil {
			return err
		}
		if err := m.signIn(ctx, sess); err != nil {
			m.endAuthoritySession(ctx, &sess)
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return identity.Session{}, err
	}
	return out, nil
}

// Signup creates an account. The result carries a session unless the provider
// asked for email verification first, in which case the state is unchanged.
func (m *Manager) Signup(ctx context.Context, email, password string) (identity.SignupResult, error) {
	var out identity.SignupResult
	err := m.call(ctx, "signup", false, func(ctx context.Context) error {
		email := identity.NormalizeEmail(email)
		if email == "" {
			return identity.ErrInvalidCredentials
		}
		if utf8.RuneCountInString(password) < identity.MinPasswordLength {
			return identity.ErrPasswordTooShort
		}
		res, err := m.strategy.Signup(ctx, email, password)
		if err != nil {
			return err
		}
		if res.Session != nil {
			if err := m.signIn(ctx, *res.Session); err != nil {
				m.endAuthoritySession(ctx, res.Session)
				return err
			}
		}
		out = res
		return nil
	})
	if err != nil {
		return identity.SignupResult{}, err
	}
	return out, nil
}

// Logout always leaves the manager Unauthenticated with no mirror. Provider
// failures are logged, never returned. It runs to completion even if ctx is
// cancelled while queued.
func (m *Manager) Logout(ctx context.Context) error {
	return m.call(ctx, "logout", true, func(ctx context.Context) error {
		current := m.snap.Session
		if err := m.strategy.Logout(ctx, current); err != nil {
			m.log.Warn("provider logout failed, clearing local session anyway", "op", "logout", "error", err)
		}
		m.signOut(ctx, "logout")
		return nil
	})
}

// StartFederatedSignIn returns the URL to redirect the browser to. The session
// itself arrives later as a provider push.
func (m *Manager) StartFederatedSignIn(ctx context.Context, returnTo string) (string, error) {
	var out string
	err := m.call(ctx, "federated_start", false, func(ctx context.Context) error {
		u, err := m.strategy.StartFederated(ctx, returnTo)
		if err != nil {
			if identity.Classify(err) == nil {
				return fmt.Errorf("%w: %v", identity.ErrFederatedFlowFailed, err)
			}
			return err
		}
		if u == "" {
			return identity.ErrFederatedFlowFailed
		}
		out = u
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// ForgotPassword dispatches a reset artifact out of band. Never changes state.
func (m *Manager) ForgotPassword(ctx context.Context, email string) error {
	return m.call(ctx, "forgot_password", false, func(ctx context.Context) error {
		return m.strategy.ForgotPassword(ctx, identity.NormalizeEmail(email))
	})
}

// ResetPassword sets a new password. Confirmation is compared first (when
// given), then length, then the strategy-specific checks. Never changes state.
func (m *Manager) ResetPassword(ctx context.Context, req identity.ResetRequest) error {
	return m.call(ctx, "reset_password", false, func(ctx context.Context) error {
		if req.Confirm != "" && req.Confirm != req.NewPassword {
			return identity.ErrPasswordMismatch
		}
		if utf8.RuneCountInString(req.NewPassword) < identity.MinPasswordLength {
			return identity.ErrPasswordTooShort
		}
		req.Email = identity.NormalizeEmail(req.Email)
		return m.strategy.ResetPassword(ctx, req, m.snap.Session)
	})
}

// --- Loop ---

// call queues fn for the loop and waits for its result or for ctx.
// An abandoned fn still runs (bounded by opTimeout) and is applied or discarded whole.
func (m *Manager) call(ctx context.Context, op string, always bool, fn func(ctx context.Context) error) error {
	m.lifeMu.Lock()
	started, closed := m.started, m.closed
	m.lifeMu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	ctx, span := m.tracer.Start(ctx, "session."+op)
	defer span.End()
	begin := time.Now()

	cmd := command{ctx: ctx, always: always, run: fn, done: make(chan error, 1)}
	callerDone := ctx.Done()
	if always {
		callerDone = nil
	}
	select {
	case m.cmds <- cmd:
	case <-callerDone:
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}

	var err error
	select {
	case err = <-cmd.done:
	case <-callerDone:
		err = ctx.Err()
	case <-m.done:
		err = ErrClosed
	}

	outcome := "ok"
	if err != nil {
		outcome = outcomeLabel(err)
		span.SetStatus(codes.Error, outcome)
		span.SetAttributes(attribute.String("session.outcome", outcome))
	}
	m.rec.ObserveOperation(op, outcome, time.Since(begin))
	return err
}

// outcomeLabel turns an error into a low-cardinality metric label.
func outcomeLabel(err error) string {
	switch identity.Classify(err) {
	case identity.ErrInvalidCredentials:
		return "invalid_credentials"
	case identity.ErrAccountExists:
		return "account_exists"
	case identity.ErrSignupRejected:
		return "signup_rejected"
	case identity.ErrNoSuchAccount:
		return "no_such_account"
	case identity.ErrInvalidOrExpiredToken:
		return "invalid_or_expired_token"
	case identity.ErrTokenMismatch:
		return "token_mismatch"
	case identity.ErrPasswordTooShort:
		return "password_too_short"
	case identity.ErrPasswordMismatch:
		return "password_mismatch"
	case identity.ErrFederatedFlowFailed:
		return "federated_failed"
	case identity.ErrProviderUnavailable:
		return "provider_unavailable"
	case identity.ErrNotAuthenticated:
		return "not_authenticated"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "abandoned"
	}
	return "error"
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	restoreCtx, cancel := context.WithTimeout(ctx, m.opTimeout)
	m.restore(restoreCtx)
	cancel()
	close(m.ready)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-m.wake:
			m.drainPushes(ctx)
		case cmd := <-m.cmds:
			// Pushes that arrived first are applied first.
			m.drainPushes(ctx)
			if err := cmd.ctx.Err(); err != nil && !cmd.always {
				// Caller gave up before we started: discard.
				cmd.done <- err
				continue
			}
			opCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.ctx), m.opTimeout)
			cmd.done <- cmd.run(opCtx)
			cancel()
		}
	}
}

// enqueuePush is the provider callback. It never blocks.
func (m *Manager) enqueuePush(ev identity.Event) {
	m.pushMu.Lock()
	m.pending = append(m.pending, ev)
	m.pushMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) drainPushes(ctx context.Context) {
	m.pushMu.Lock()
	evs := m.pending
	m.pending = nil
	m.pushMu.Unlock()

	for _, ev := range evs {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opTimeout)
		m.applyPush(pushCtx, ev)
		cancel()
	}
}

// restore settles the Initializing state. A failed query leaves the mirror untouched.
func (m *Manager) restore(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "session.restore")
	defer span.End()

	sess, err := m.strategy.Restore(ctx, m.readMirror)
	switch {
	case err != nil:
		m.log.Warn("session restore failed, starting signed out", "op", "restore", "error", err)
		span.SetStatus(codes.Error, "restore failed")
		m.setSnapshot(Snapshot{State: Unauthenticated}, "restore")
	case sess == nil:
		if err := m.kv.Remove(ctx, store.KeyCurrentUser); err != nil {
			m.log.Warn("failed to clear stale session mirror", "op", "restore", "error", err)
		}
		m.setSnapshot(Snapshot{State: Unauthenticated}, "restore")
	default:
		if err := m.writeMirror(ctx, *sess); err != nil {
			m.log.Warn("failed to refresh session mirror", "op", "restore", "error", err)
		}
		m.setSnapshot(Snapshot{State: Authenticated, Session: sess}, "restore")
	}
}

// applyPush folds a provider-side change into state.
func (m *Manager) applyPush(ctx context.Context, ev identity.Event) {
	switch ev.Kind {
	case identity.EventSignedIn:
		if ev.Session == nil || !ev.Session.Valid() {
			m.log.Warn("ignoring sign-in push without a valid session", "op", "push")
			return
		}
		if err := m.signIn(ctx, *ev.Session); err != nil {
			m.log.Error("failed to persist pushed session", "op", "push", "user_id", ev.Session.UserID, "error", err)
			m.endAuthoritySession(ctx, ev.Session)
		}
	case identity.EventSignedOut:
		if m.snap.State == Authenticated {
			m.signOut(ctx, "push")
		}
	case identity.EventUserUpdated:
		cur := m.snap.Session
		if cur == nil || ev.Session == nil || ev.Session.UserID != cur.UserID {
			return
		}
		if err := m.signIn(ctx, *ev.Session); err != nil {
			m.log.Warn("failed to persist updated profile", "op", "push", "user_id", cur.UserID, "error", err)
		}
	default:
		m.log.Debug("ignoring unknown push", "op", "push", "kind", string(ev.Kind))
	}
}

// signIn persists sess and then moves to Authenticated. A failed write leaves
// the state untouched and is returned to the caller.
func (m *Manager) signIn(ctx context.Context, sess identity.Session) error {
	next := Snapshot{State: Authenticated, Session: &sess}
	if m.snap.equal(next) {
		return nil
	}
	if err := m.writeMirror(ctx, sess); err != nil {
		return err
	}
	m.setSnapshot(next, "sign_in")
	return nil
}

// signOut clears the mirror (best effort) and moves to Unauthenticated.
func (m *Manager) signOut(ctx context.Context, op string) {
	if err := m.kv.Remove(ctx, store.KeyCurrentUser); err != nil {
		m.log.Warn("failed to remove session mirror", "op", op, "error", err)
	}
	m.setSnapshot(Snapshot{State: Unauthenticated}, op)
}

// endAuthoritySession undoes a provider sign-in the manager could not persist.
func (m *Manager) endAuthoritySession(ctx context.Context, sess *identity.Session) {
	if err := m.strategy.Logout(ctx, sess); err != nil {
		m.log.Warn("best-effort provider logout failed", "user_id", sess.UserID, "error", err)
	}
}

func (m *Manager) writeMirror(ctx context.Context, sess identity.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session mirror: %w", err)
	}
	if err := m.kv.Set(ctx, store.KeyCurrentUser, string(raw)); err != nil {
		return fmt.Errorf("persisting session mirror: %w", err)
	}
	return nil
}

// readMirror is handed to strategies that restore from persistence.
// A corrupt mirror reads as absent.
func (m *Manager) readMirror(ctx context.Context) (*identity.Session, error) {
	raw, err := m.kv.Get(ctx, store.KeyCurrentUser)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session mirror: %w", err)
	}
	var sess identity.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil || !sess.Valid() {
		m.log.Warn("discarding unreadable session mirror", "op", "restore")
		return nil, nil
	}
	return &sess, nil
}

// setSnapshot publishes next if it differs from the current view.
func (m *Manager) setSnapshot(next Snapshot, op string) {
	if m.snap.equal(next) {
		return
	}
	next = next.clone()

	m.snapMu.Lock()
	m.snap = next
	m.snapMu.Unlock()

	attrs := []any{"op", op, "state", next.State.String()}
	if next.Session != nil {
		attrs = append(attrs, "user_id", next.Session.UserID)
	}
	m.log.Info("session changed", attrs...)
	m.rec.SetAuthenticated(next.State == Authenticated)

	m.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(next.clone())
	}
}
