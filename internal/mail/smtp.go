// smtp.go -- SMTPMailer, for any STARTTLS-capable relay (SES, Mailgun, Mailpit in dev).
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"
)

// SMTPConfig holds all configuration for SMTPMailer.
type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromAddress string
	// ResetURLBase, when set, adds a prefilled reset link below the code.
	ResetURLBase string
}

// SMTPMailer sends reset codes over SMTP, one connection per message.
type SMTPMailer struct {
	cfg SMTPConfig
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// SendPasswordReset emails the reset code to toEmail.
func (m *SMTPMailer) SendPasswordReset(ctx context.Context, toEmail, code string, expiresIn time.Duration, vars map[string]string) error {
	msg := composeReset(m.cfg.FromAddress, toEmail, code, m.cfg.ResetURLBase, expiresIn, vars)

	c, err := m.open(ctx)
	if err != nil {
		return fmt.Errorf("sending password reset email: %w", err)
	}
	defer c.Close()

	if err := deliver(c, m.cfg.FromAddress, toEmail, msg); err != nil {
		return fmt.Errorf("sending password reset email: %w", err)
	}
	return nil
}

// open returns a client past STARTTLS and AUTH. Relays that don't offer
// STARTTLS are refused; codes never cross the wire in plaintext. The
// connection deadline follows ctx.
func (m *SMTPMailer) open(ctx context.Context) (*smtp.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(m.cfg.Host, m.cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	if ok, _ := c.Extension("STARTTLS"); !ok {
		c.Close()
		return nil, fmt.Errorf("smtp server %s does not offer STARTTLS", m.cfg.Host)
	}
	if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
		c.Close()
		return nil, fmt.Errorf("smtp starttls: %w", err)
	}

	if m.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
			c.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}
	return c, nil
}

// deliver runs one MAIL/RCPT/DATA transaction and says goodbye.
func deliver(c *smtp.Client, from, to, msg string) error {
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := wc.Write([]byte(msg)); err != nil {
		wc.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}
