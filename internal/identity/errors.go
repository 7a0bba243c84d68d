// errors.go -- Error taxonomy surfaced by every manager operation.
package identity

import "errors"

// Callers match these with errors.Is; messages are safe to show to the user.
var (
	ErrInvalidCredentials    = errors.New("invalid email or password")
	ErrAccountExists         = errors.New("an account with this email already exists")
	ErrSignupRejected        = errors.New("this email address cannot be used to sign up")
	ErrNoSuchAccount         = errors.New("no account found with this email")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired reset code")
	ErrTokenMismatch         = errors.New("reset code does not match")
	ErrPasswordTooShort      = errors.New("password must be at least 6 characters")
	ErrPasswordMismatch      = errors.New("passwords do not match")
	ErrFederatedFlowFailed   = errors.New("federated sign-in could not be started")
	ErrProviderUnavailable   = errors.New("identity provider unavailable")
	ErrNotAuthenticated      = errors.New("not signed in")
)

// MinPasswordLength is the shortest password accepted by signup and reset.
const MinPasswordLength = 6

// userFacing lists the sentinels whose message may be returned verbatim.
var userFacing = []error{
	ErrInvalidCredentials,
	ErrAccountExists,
	ErrSignupRejected,
	ErrNoSuchAccount,
	ErrInvalidOrExpiredToken,
	ErrTokenMismatch,
	ErrPasswordTooShort,
	ErrPasswordMismatch,
	ErrFederatedFlowFailed,
	ErrProviderUnavailable,
	ErrNotAuthenticated,
}

// Classify returns the taxonomy sentinel wrapped somewhere in err, or nil when
// err is not part of the taxonomy (an internal failure).
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range userFacing {
		if errors.Is(err, s) {
			return s
		}
	}
	return nil
}
