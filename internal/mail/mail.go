// Package mail delivers password reset codes.
//
// mail.go -- Mailer interface, message composition and the dev/no-op mailers.
// Transports live in their own files (smtp.go, queue.go).
package mail

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Mailer sends transactional emails.
type Mailer interface {
	// SendPasswordReset sends the raw reset code to toEmail.
	// vars is a map of %%key%% placeholder names to replacement values.
	// Unresolved placeholders are stripped rather than left in the email.
	// Reserved keys (code, url, toEmail, expiresIn) are owned by the mailer and cannot be overridden via vars.
	SendPasswordReset(ctx context.Context, toEmail, code string, expiresIn time.Duration, vars map[string]string) error
}

// NopMailer discards all outbound email. Used when no transport is configured.
type NopMailer struct{}

func (NopMailer) SendPasswordReset(context.Context, string, string, time.Duration, map[string]string) error {
	return nil
}

// ConsoleMailer writes each message to w instead of sending it. Development only:
// the output contains the reset code.
type ConsoleMailer struct {
	mu   sync.Mutex
	w    io.Writer
	from string
}

// NewConsoleMailer writes messages to w.
func NewConsoleMailer(w io.Writer, from string) *ConsoleMailer {
	return &ConsoleMailer{w: w, from: from}
}

func (c *ConsoleMailer) SendPasswordReset(_ context.Context, toEmail, code string, expiresIn time.Duration, vars map[string]string) error {
	msg := composeReset(c.from, toEmail, code, "", expiresIn, vars)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "----- outbound mail -----\n%s\n-------------------------\n", msg); err != nil {
		return fmt.Errorf("writing console mail: %w", err)
	}
	return nil
}

// reservedVars holds placeholder keys owned by the mailer.
// Caller-supplied vars with these keys are silently dropped to prevent override.
var reservedVars = map[string]bool{
	"code":      true,
	"url":       true,
	"toEmail":   true,
	"expiresIn": true,
}

// unresolvedPlaceholder matches any %%word%% placeholder left after substitution.
var unresolvedPlaceholder = regexp.MustCompile(`%%\w+%%`)

// applyVars substitutes %%key%% placeholders in tmpl using vars, then strips any
// that remain unresolved rather than leaving them in the output.
func applyVars(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "%%"+key+"%%", value)
	}
	substituted := strings.NewReplacer(pairs...).Replace(tmpl)
	return unresolvedPlaceholder.ReplaceAllString(substituted, "")
}

// mergeVars copies caller vars, skipping reserved keys, then injects the mailer-owned ones.
func mergeVars(vars map[string]string, owned map[string]string) map[string]string {
	merged := make(map[string]string, len(vars)+len(owned))
	for k, v := range vars {
		if !reservedVars[k] {
			merged[k] = v
		}
	}
	for k, v := range owned {
		merged[k] = v
	}
	return merged
}

// composeReset renders the full RFC 5322 reset message. urlBase is optional;
// when set, the body also carries a link prefilled with email and code.
func composeReset(from, toEmail, code, urlBase string, expiresIn time.Duration, vars map[string]string) string {
	owned := map[string]string{
		"code":      code,
		"toEmail":   toEmail,
		"expiresIn": formatDuration(expiresIn),
	}

	body := "You requested a password reset for your Pennywise account.\n\n" +
		"Your reset code is: %%code%%\n\n"
	if urlBase != "" {
		owned["url"] = urlBase + "?" + url.Values{"email": {toEmail}, "code": {code}}.Encode()
		body += "Or open this link to choose a new password:\n\n%%url%%\n\n"
	}
	body += "This code expires in %%expiresIn%%. If you did not request a reset, ignore this email."

	msg := "From: " + from + "\r\n" +
		"To: " + toEmail + "\r\n" +
		"Subject: Your password reset code\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" +
		body

	return applyVars(msg, mergeVars(vars, owned))
}

// formatDuration renders a duration as a human-readable expiry string.
// e.g. time.Hour → "1 hour", 48*time.Hour → "2 days", 30*time.Minute → "30 minutes".
func formatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	case d >= time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	default:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", mins)
	}
}
