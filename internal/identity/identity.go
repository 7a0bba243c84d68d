// Package identity defines the session value, the error taxonomy, and the
// Identity Provider contract shared by every authentication strategy.
//
// identity.go -- Session, push events and request/result shapes.
package identity

import "strings"

// Session is the record of a currently authenticated identity.
// UserID is opaque and stable, supplied by whichever authority confirmed the login.
type Session struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
}

// Valid reports whether s carries the identifier every consumer relies on.
func (s Session) Valid() bool {
	return strings.TrimSpace(s.UserID) != ""
}

// EventKind names the provider-side change carried by an Event.
type EventKind string

const (
	EventSignedIn  EventKind = "signed_in"
	EventSignedOut EventKind = "signed_out"
	// EventUserUpdated fires after a password or profile change; the session is unchanged.
	EventUserUpdated EventKind = "user_updated"
)

// Event is a session change pushed by a provider outside any direct call.
// Session is nil for EventSignedOut.
type Event struct {
	Kind    EventKind
	Session *Session
}

// SignupResult is the tagged outcome of account creation.
// Session is nil when the provider gates login on an out-of-band verification step.
type SignupResult struct {
	Session             *Session
	VerificationPending bool
}

// ResetRequest carries both password-reset variants.
//
//	Token-based (local fallback): Email, Token and NewPassword are required.
//	Session-based (hosted): only NewPassword; the caller must be authenticated.
//
// Confirm is the repeated password from the form; empty skips the comparison.
type ResetRequest struct {
	Email       string
	Token       string
	NewPassword string
	Confirm     string
}

// NormalizeEmail trims and lower-cases an address so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
