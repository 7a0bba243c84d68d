// mailer.go
//
// Recording mailer: captures reset codes so tests can complete the flow.
package testutil

import (
	"context"
	"sync"
	"time"
)

// SentMail is one captured SendPasswordReset call.
type SentMail struct {
	To        string
	Token     string
	ExpiresIn time.Duration
}

// RecordingMailer stores every send. Set Err to make sends fail.
type RecordingMailer struct {
	mu   sync.Mutex
	Err  error
	sent []SentMail
}

func (m *RecordingMailer) SendPasswordReset(_ context.Context, toEmail, token string, expiresIn time.Duration, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMail{To: toEmail, Token: token, ExpiresIn: expiresIn})
	return nil
}

// Sent returns a copy of everything sent so far.
func (m *RecordingMailer) Sent() []SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMail(nil), m.sent...)
}

// LastToken returns the most recent code sent to email.
func (m *RecordingMailer) LastToken(email string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].To == email {
			return m.sent[i].Token, true
		}
	}
	return "", false
}
