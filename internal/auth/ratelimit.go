// ratelimit.go -- Per-key attempt limiting for login, forgot-password and reset-code checks.
//
// Token bucket per key (x/time/rate) refilling MaxAttempts per Window; an
// empty bucket locks the key for LockoutTTL.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by Allow when the key is over its policy.
var ErrRateLimited = errors.New("too many attempts")

// RateLimit is one policy. Zero MaxAttempts disables limiting.
type RateLimit struct {
	MaxAttempts int
	Window      time.Duration
	LockoutTTL  time.Duration
}

// DefaultVerifyPolicy bounds reset-code submissions per email when
// Handler.VerifyPolicy is unset: five guesses, then a lockout outlasting the code.
var DefaultVerifyPolicy = RateLimit{MaxAttempts: 5, Window: 30 * time.Minute, LockoutTTL: 30 * time.Minute}

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *MemoryRateLimiter.
type RateLimiter interface {
	// Allow records an attempt. Returns nil if allowed, ErrRateLimited if not.
	Allow(ctx context.Context, key string, policy RateLimit) error
}

type limiterEntry struct {
	bucket      *rate.Limiter
	lockedUntil time.Time
	lastSeen    time.Time
	idleTTL     time.Duration
}

// MemoryRateLimiter keeps buckets in process memory. The API serves one
// local user, so nothing needs sharing across instances.
type MemoryRateLimiter struct {
	mu        sync.Mutex
	entries   map[string]*limiterEntry
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryRateLimiter returns an empty limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{entries: make(map[string]*limiterEntry), now: time.Now}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string, p RateLimit) error {
	if p.MaxAttempts <= 0 || p.Window <= 0 {
		return nil
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{
			bucket:  rate.NewLimiter(rate.Every(p.Window/time.Duration(p.MaxAttempts)), p.MaxAttempts),
			idleTTL: p.Window + p.LockoutTTL,
		}
		l.entries[key] = e
	}
	e.lastSeen = now

	if now.Before(e.lockedUntil) {
		return ErrRateLimited
	}
	if !e.bucket.AllowN(now, 1) {
		e.lockedUntil = now.Add(p.LockoutTTL)
		return ErrRateLimited
	}
	return nil
}

// sweepLocked drops idle keys, at most once a minute.
func (l *MemoryRateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > e.idleTTL && !now.Before(e.lockedUntil) {
			delete(l.entries, k)
		}
	}
}
