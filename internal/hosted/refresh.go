// refresh.go -- Background access-token refresh.
package hosted

import (
	"context"
	"errors"
	"time"

	"github.com/MGallo-Code/pennywise/internal/identity"
)

// Run refreshes the stored access token shortly before it expires, checking
// every interval. A rejected refresh token means the provider session is gone,
// so subscribers get EventSignedOut. Blocks until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.RefreshIfDue(ctx)
		}
	}
}

// RefreshIfDue performs one refresh check. Unavailability is logged and
// retried on the next tick.
func (a *Adapter) RefreshIfDue(ctx context.Context) {
	a.tokenMu.Lock()
	tok, err := a.freshTokensLocked(ctx)
	a.tokenMu.Unlock()

	switch {
	case errors.Is(err, errSessionGone):
		a.publish(identity.Event{Kind: identity.EventSignedOut})
	case err != nil:
		a.log.Warn("hosted token refresh failed", "error", err)
	case tok != nil:
		a.log.Debug("hosted tokens fresh", "expires_at", tok.ExpiresAt)
	}
}
