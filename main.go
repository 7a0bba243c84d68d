package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/pennywise/internal/auth"
	"github.com/MGallo-Code/pennywise/internal/captcha"
	"github.com/MGallo-Code/pennywise/internal/config"
	"github.com/MGallo-Code/pennywise/internal/events"
	"github.com/MGallo-Code/pennywise/internal/expense"
	"github.com/MGallo-Code/pennywise/internal/hosted"
	"github.com/MGallo-Code/pennywise/internal/local"
	"github.com/MGallo-Code/pennywise/internal/mail"
	"github.com/MGallo-Code/pennywise/internal/metrics"
	"github.com/MGallo-Code/pennywise/internal/oauth"
	"github.com/MGallo-Code/pennywise/internal/session"
	"github.com/MGallo-Code/pennywise/internal/store"
	"github.com/MGallo-Code/pennywise/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// Embeds the Postgres migration files into the binary.
//
//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs. Shuts down when ctx is cancelled.
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	// Early returns below must still stop any worker already started.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName: "pennywise",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// Every background worker and the server share one group; the first
	// failure cancels gctx and stops the rest.
	g, gctx := errgroup.WithContext(ctx)

	strategy, federated, workers, err := buildStrategy(ctx, cfg, backend)
	if err != nil {
		return err
	}
	for _, w := range workers {
		g.Go(func() error { return w(gctx) })
	}

	mgr := session.New(strategy, backend, session.WithRecorder(collector))

	if cfg.AMQPURL != "" {
		pub := events.NewPublisher(func() (events.Broker, error) {
			return events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		}, events.WithRecorder(collector))
		unsubscribe := mgr.Subscribe(pub.Observe)
		defer unsubscribe()
		g.Go(func() error { return pub.Run(gctx) })
		slog.Info("session events enabled", "exchange", cfg.AMQPExchange)
	}

	mgr.Start(gctx)
	defer mgr.Close()

	csrfToken, err := auth.GenerateCSRFToken()
	if err != nil {
		return fmt.Errorf("failed to generate csrf token: %w", err)
	}

	h := &auth.Handler{
		Sessions: mgr,
		Health:   backend,
		Limiter:  auth.NewMemoryRateLimiter(),
		LoginPolicy: auth.RateLimit{
			MaxAttempts: cfg.RateLogin.Max,
			Window:      cfg.RateLogin.Window,
			LockoutTTL:  cfg.RateLogin.Lockout,
		},
		ResetPolicy: auth.RateLimit{
			MaxAttempts: cfg.RateReset.Max,
			Window:      cfg.RateReset.Window,
			LockoutTTL:  cfg.RateReset.Lockout,
		},
		VerifyPolicy: auth.RateLimit{
			MaxAttempts: cfg.RateVerify.Max,
			Window:      cfg.RateVerify.Window,
			LockoutTTL:  cfg.RateVerify.Lockout,
		},
		Passwords: auth.DefaultPasswordPolicy,
		CSRFToken: *csrfToken,
	}
	// Assigned only when set: a nil *hosted.Adapter in the interface would not compare nil.
	if federated != nil {
		h.Federated = federated
	}
	if cfg.TurnstileSecret != "" {
		h.Captcha = captcha.NewTurnstileVerifier(cfg.TurnstileSecret, cfg.TurnstileURL)
	}

	eh := &expense.Handler{Store: expense.NewStore(backend), UserID: auth.UserIDFromContext}

	// Bind listener; port "0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.BindHost, cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h, eh, collector, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		slog.Info("pennywise listening", "addr", ln.Addr().String(), "auth_mode", cfg.AuthMode, "store", cfg.Store.Backend)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// Stops accepting, then waits for in-flight requests up to the timeout.
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.Info("server stopped")
		return nil
	})

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	return g.Wait()
}

// openBackend connects the configured KV backend, migrating it where needed.
func openBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		s, err := store.NewSQLiteStore(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to set up sqlite store: %w", err)
		}
		return s, nil

	case config.BackendRedis:
		s, err := store.NewRedisStore(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to set up redis store: %w", err)
		}
		return s, nil

	case config.BackendPostgres:
		s, err := store.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to set up postgres store: %w", err)
		}
		migrationsFS, err := fs.Sub(migrationsDir, "migrations")
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
		}
		if err := s.Migrate(ctx, migrationsFS); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return s, nil
	}

	slog.Warn("using in-memory store; sessions and expenses are lost on exit")
	return store.NewMemoryStore(), nil
}

// worker is a background loop run until its context is cancelled.
type worker func(ctx context.Context) error

// buildStrategy returns the session strategy for cfg.AuthMode plus, in hosted
// mode, the adapter that completes federated callbacks, and the background
// workers the strategy needs.
func buildStrategy(ctx context.Context, cfg *config.Config, backend store.Backend) (session.Strategy, *hosted.Adapter, []worker, error) {
	if cfg.AuthMode == config.AuthModeHosted {
		var opts []hosted.Option
		federatedName := ""
		if cfg.FederatedEnabled() {
			p, err := oauth.NewOIDCProvider(ctx, cfg.OIDC.Provider, cfg.OIDC.Issuer,
				cfg.OIDC.ClientID, cfg.OIDC.ClientSecret, cfg.OIDC.RedirectURL)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("failed to set up oidc provider: %w", err)
			}
			opts = append(opts, hosted.WithFederated(p))
			federatedName = cfg.OIDC.Provider
		}

		adapter, err := hosted.New(hosted.Config{
			BaseURL:         cfg.Hosted.URL,
			APIKey:          cfg.Hosted.APIKey,
			RecoverRedirect: cfg.Hosted.RecoverRedirect,
		}, backend, opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to set up hosted adapter: %w", err)
		}
		refresh := func(ctx context.Context) error { return adapter.Run(ctx, cfg.Hosted.RefreshInterval) }
		return session.NewProviderBacked(adapter, federatedName), adapter, []worker{refresh}, nil
	}

	mailer, workers, err := buildMailer(ctx, cfg, backend)
	if err != nil {
		return nil, nil, nil, err
	}
	strategy := local.New(backend, mailer)
	if cfg.LocalSeedDemo {
		if err := strategy.SeedDemo(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to seed demo account: %w", err)
		}
	}
	return strategy, nil, workers, nil
}

// buildMailer picks the reset-mail transport: SMTP when configured, the
// console in development, otherwise nothing. MAIL_QUEUE puts a Redis queue
// and its worker in front of whichever was chosen.
func buildMailer(ctx context.Context, cfg *config.Config, backend store.Backend) (mail.Mailer, []worker, error) {
	var m mail.Mailer = mail.NopMailer{}
	switch {
	case cfg.SMTP.Host != "":
		m = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:         cfg.SMTP.Host,
			Port:         cfg.SMTP.Port,
			Username:     cfg.SMTP.Username,
			Password:     cfg.SMTP.Password,
			FromAddress:  cfg.SMTP.FromAddress,
			ResetURLBase: cfg.SMTP.ResetURLBase,
		})
	case cfg.DevMailConsole:
		m = mail.NewConsoleMailer(os.Stdout, "pennywise@localhost")
	default:
		slog.Warn("no mail transport configured; reset codes will not be delivered")
	}

	if !cfg.MailQueue {
		return m, nil, nil
	}

	key, err := cfg.MailQueueKeyBytes()
	if err != nil {
		return nil, nil, err
	}

	var workers []worker
	// Share the store's Redis pool when it has one.
	rs, ok := backend.(*store.RedisStore)
	if !ok {
		rs, err = store.NewRedisStore(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up mail queue redis: %w", err)
		}
		workers = append(workers, func(ctx context.Context) error {
			<-ctx.Done()
			return rs.Close()
		})
	}

	q, err := mail.NewQueuedMailer(m, rs.Client(), key, mail.DefaultMaxQueueSize)
	if err != nil {
		if !ok {
			rs.Close()
		}
		return nil, nil, fmt.Errorf("failed to set up mail queue: %w", err)
	}
	workers = append(workers, func(ctx context.Context) error {
		q.StartWorker(ctx)
		return nil
	})
	return q, workers, nil
}

// buildRouter wires all routes and middleware.
// Called from run() and the smoke tests.
func buildRouter(h *auth.Handler, eh *expense.Handler, mc *metrics.Collector, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if mc != nil {
		r.Use(mc.Middleware)
	}

	r.Get("/health", h.CheckHealth)
	r.Get("/session", h.GetSession)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}

	// Browser redirects: no JSON body, no CSRF header.
	r.Get("/oauth/start", h.StartOAuth)
	r.Get("/oauth/{provider}/callback", h.OAuthCallback)

	// Session operations; the CSRF token comes from GET /session.
	r.Group(func(r chi.Router) {
		r.Use(h.CSRFMiddleware)
		r.Post("/login", h.Login)
		r.Post("/signup", h.Signup)
		r.Post("/logout", h.Logout)
		r.Post("/password/forgot", h.ForgotPassword)
		r.Post("/password/reset", h.ResetPassword)
	})

	// Expenses need a signed-in user.
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Use(h.CSRFMiddleware)
		eh.Routes(r)
	})

	return otelhttp.NewHandler(r, "pennywise")
}
