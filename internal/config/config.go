// config.go

// Environment variable loading and validation.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AuthMode selects the session strategy.
type AuthMode string

const (
	// AuthModeLocal keeps accounts in the local store.
	AuthModeLocal AuthMode = "local"
	// AuthModeHosted delegates to the hosted identity service.
	AuthModeHosted AuthMode = "hosted"
)

// UnmarshalText implements encoding.TextUnmarshaler for AuthMode.
func (m *AuthMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	switch v {
	case "local", "hosted":
		*m = AuthMode(v)
		return nil
	default:
		return fmt.Errorf("invalid AUTH_MODE: %q (valid options: local, hosted)", v)
	}
}

// StoreBackend selects the KV implementation.
type StoreBackend string

const (
	BackendMemory   StoreBackend = "memory"
	BackendSQLite   StoreBackend = "sqlite"
	BackendRedis    StoreBackend = "redis"
	BackendPostgres StoreBackend = "postgres"
)

// UnmarshalText implements encoding.TextUnmarshaler for StoreBackend.
func (b *StoreBackend) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	switch v {
	case "memory", "sqlite", "redis", "postgres":
		*b = StoreBackend(v)
		return nil
	default:
		return fmt.Errorf("invalid STORE_BACKEND: %q (valid options: memory, sqlite, redis, postgres)", v)
	}
}

// StoreConfig picks and locates the persistence backend.
type StoreConfig struct {
	Backend     StoreBackend `env:"STORE_BACKEND" envDefault:"memory"`
	SQLitePath  string       `env:"SQLITE_PATH"   envDefault:"pennywise.db"`
	RedisURL    string       `env:"REDIS_URL"`
	DatabaseURL string       `env:"DATABASE_URL"`
}

// HostedConfig is the hosted identity service connection.
type HostedConfig struct {
	URL             string        `env:"AUTH_URL"`
	APIKey          string        `env:"AUTH_API_KEY"`
	RecoverRedirect string        `env:"RECOVER_REDIRECT"`
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"30s"`
}

// OIDCConfig enables federated sign-in in hosted mode. Empty ClientID disables it.
type OIDCConfig struct {
	Provider     string `env:"PROVIDER"      envDefault:"google"`
	Issuer       string `env:"ISSUER"        envDefault:"https://accounts.google.com"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURL  string `env:"REDIRECT_URL"`
}

// SMTPConfig is outbound mail. All optional -- empty Host disables sending.
type SMTPConfig struct {
	Host         string `env:"HOST"`
	Port         string `env:"PORT"      envDefault:"587"`
	Username     string `env:"USERNAME"`
	Password     string `env:"PASSWORD"`
	FromAddress  string `env:"FROM"`
	ResetURLBase string `env:"RESET_URL"`
}

// RateConfig is one rate limit policy. Defaults are set per policy before parsing.
type RateConfig struct {
	Max     int           `env:"MAX"`
	Window  time.Duration `env:"WINDOW"`
	Lockout time.Duration `env:"LOCKOUT"`
}

// Config holds all env configuration vars for pennywise.
type Config struct {
	// BindHost defaults to loopback; the API is meant for a browser on the same machine.
	BindHost string     `env:"BIND_HOST" envDefault:"127.0.0.1"`
	Port     string     `env:"PORT"      envDefault:"7865"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"info"`
	AuthMode AuthMode   `env:"AUTH_MODE" envDefault:"local"`

	Store StoreConfig

	// LocalSeedDemo seeds demo@example.com / password123 in local mode.
	LocalSeedDemo bool `env:"LOCAL_SEED_DEMO" envDefault:"false"`

	Hosted HostedConfig `envPrefix:"HOSTED_"`
	OIDC   OIDCConfig   `envPrefix:"OIDC_"`
	SMTP   SMTPConfig   `envPrefix:"SMTP_"`

	// MailQueue routes reset mail through a Redis list drained by a worker.
	// MailQueueKey is the hex-encoded 32-byte key sealing queued codes.
	MailQueue      bool   `env:"MAIL_QUEUE"       envDefault:"false"`
	MailQueueKey   string `env:"MAIL_QUEUE_KEY"`
	DevMailConsole bool   `env:"DEV_MAIL_CONSOLE" envDefault:"false"`

	// Defaults: login max=10, window=10m, lockout=15m; reset max=3, window=1h, lockout=1h.
	// RateVerify caps reset code submissions per email: max=5, window=30m, lockout=30m.
	RateLogin  RateConfig `envPrefix:"RATE_LOGIN_EMAIL_"`
	RateReset  RateConfig `envPrefix:"RATE_RESET_"`
	RateVerify RateConfig `envPrefix:"RATE_RESET_VERIFY_"`

	// Empty secret disables CAPTCHA checks on signup and forgot-password.
	TurnstileSecret string `env:"TURNSTILE_SECRET"`
	TurnstileURL    string `env:"TURNSTILE_URL"`

	// Empty URL disables session event publishing.
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"pennywise.session"`

	// Empty endpoint disables tracing.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
}

var (
	defaultRateLogin  = RateConfig{Max: 10, Window: 10 * time.Minute, Lockout: 15 * time.Minute}
	defaultRateReset  = RateConfig{Max: 3, Window: time.Hour, Lockout: time.Hour}
	defaultRateVerify = RateConfig{Max: 5, Window: 30 * time.Minute, Lockout: 30 * time.Minute}
)

// LoadConfig reads environment variables (after an optional .env file) and
// returns a validated Config.
func LoadConfig() (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env file")
	}

	cfg := &Config{RateLogin: defaultRateLogin, RateReset: defaultRateReset, RateVerify: defaultRateVerify}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	// A misconfigured policy must not silently disable rate limiting.
	cfg.RateLogin.sanitize("RATE_LOGIN_EMAIL", defaultRateLogin)
	cfg.RateReset.sanitize("RATE_RESET", defaultRateReset)
	cfg.RateVerify.sanitize("RATE_RESET_VERIFY", defaultRateVerify)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (r *RateConfig) sanitize(prefix string, def RateConfig) {
	if r.Max <= 0 {
		slog.Warn("invalid env var, using default", "key", prefix+"_MAX", "value", r.Max, "default", def.Max)
		r.Max = def.Max
	}
	if r.Window <= 0 {
		slog.Warn("invalid env var, using default", "key", prefix+"_WINDOW", "value", r.Window, "default", def.Window)
		r.Window = def.Window
	}
	if r.Lockout <= 0 {
		slog.Warn("invalid env var, using default", "key", prefix+"_LOCKOUT", "value", r.Lockout, "default", def.Lockout)
		r.Lockout = def.Lockout
	}
}

// validate enforces cross-field rules.
func (c *Config) validate() error {
	if c.AuthMode == AuthModeHosted && c.Hosted.URL == "" {
		return errors.New("HOSTED_AUTH_URL is required when AUTH_MODE=hosted")
	}
	if c.Hosted.RefreshInterval <= 0 {
		return errors.New("HOSTED_REFRESH_INTERVAL must be positive")
	}

	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return errors.New("REDIS_URL is required when STORE_BACKEND=redis")
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("SQLITE_PATH must not be empty when STORE_BACKEND=sqlite")
		}
	}

	if c.MailQueue {
		if c.Store.RedisURL == "" {
			return errors.New("REDIS_URL is required when MAIL_QUEUE=true")
		}
		if _, err := c.MailQueueKeyBytes(); err != nil {
			return err
		}
	}

	// Codes in reset links must not travel over plain HTTP.
	if c.SMTP.ResetURLBase != "" && !strings.HasPrefix(c.SMTP.ResetURLBase, "https://") {
		return errors.New("SMTP_RESET_URL must start with https://")
	}
	if c.SMTP.Host != "" && c.SMTP.FromAddress == "" {
		return errors.New("SMTP_FROM is required when SMTP_HOST is set")
	}

	if c.OIDC.ClientID != "" && c.OIDC.RedirectURL == "" {
		return errors.New("OIDC_REDIRECT_URL is required when OIDC_CLIENT_ID is set")
	}
	return nil
}

// MailQueueKeyBytes decodes MailQueueKey into the 32-byte sealing key.
func (c *Config) MailQueueKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.MailQueueKey)
	if err != nil || len(key) != 32 {
		return nil, errors.New("MAIL_QUEUE_KEY must be 64 hex characters (32 bytes)")
	}
	return key, nil
}

// FederatedEnabled reports whether OIDC sign-in is configured.
func (c *Config) FederatedEnabled() bool {
	return c.OIDC.ClientID != ""
}
