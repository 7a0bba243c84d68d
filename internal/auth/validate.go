// validate.go
//
// Request-level input checks run before anything reaches the session manager.
// They reject obviously bad input early; the manager still owns the rules that
// map to the error taxonomy (empty fields, 6-char minimum).
package auth

import (
	"fmt"
	netmail "net/mail"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Address length bounds from RFC 5321 (a@b.c up to 254 octets).
const (
	minEmailLen = 5
	maxEmailLen = 254
)

// ValidateEmail returns a user-facing problem with email, or "" when it is acceptable.
// Bare addresses only: display-name forms like "Bob <bob@x.com>" are refused.
func ValidateEmail(email string) string {
	switch n := len(email); {
	case n == 0:
		return "No email provided"
	case n < minEmailLen:
		return "Email too short!"
	case n > maxEmailLen:
		return "Email too long!"
	}
	if addr, err := netmail.ParseAddress(email); err != nil || addr.Address != email {
		return "Invalid email format"
	}
	return ""
}

// PasswordPolicy is the optional complexity policy for new passwords (signup
// and reset). MinLength counts runes, MaxLength counts bytes since the hash
// cost grows with input size. Zero fields disable their rule, so the zero
// value accepts anything without control characters.
type PasswordPolicy struct {
	MinLength        int
	MaxLength        int
	RequireUppercase bool
	RequireDigit     bool
	RequireSpecial   bool
}

// DefaultPasswordPolicy only bounds the length from above.
var DefaultPasswordPolicy = PasswordPolicy{MaxLength: 128}

const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// classRule is one character-class requirement.
type classRule struct {
	enabled bool
	match   func(rune) bool
	message string
}

func (p PasswordPolicy) classRules() []classRule {
	return []classRule{
		{p.RequireUppercase, unicode.IsUpper, "Password must contain at least one uppercase letter"},
		{p.RequireDigit, unicode.IsDigit, "Password must contain at least one digit"},
		{p.RequireSpecial, func(r rune) bool { return strings.ContainsRune(specialChars, r) }, "Password must contain at least one special character"},
	}
}

// Validate returns every rule password breaks, in a stable order; nil means it passes.
// A control character short-circuits with a single failure.
func (p PasswordPolicy) Validate(password string) []string {
	if strings.IndexFunc(password, unicode.IsControl) >= 0 {
		return []string{"Password contains invalid characters"}
	}

	var failures []string
	if p.MinLength > 0 && utf8.RuneCountInString(password) < p.MinLength {
		failures = append(failures, fmt.Sprintf("Password must be at least %d characters", p.MinLength))
	}
	if p.MaxLength > 0 && len(password) > p.MaxLength {
		failures = append(failures, fmt.Sprintf("Password must be at most %d bytes", p.MaxLength))
	}
	for _, rule := range p.classRules() {
		if rule.enabled && strings.IndexFunc(password, rule.match) < 0 {
			failures = append(failures, rule.message)
		}
	}
	return failures
}
