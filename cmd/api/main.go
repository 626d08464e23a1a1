package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pollbot/api/internal/app"
	"pollbot/api/internal/certs"
	"pollbot/api/internal/config"
	"pollbot/api/internal/flow"
	"pollbot/api/internal/observability"
	"pollbot/api/internal/session"
	"pollbot/api/internal/sso"
	"pollbot/api/internal/store"
	"pollbot/api/internal/telemetry"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Warn("no .env file loaded, using process environment", "error", envErr)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("pollbot api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.TracesStdout)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig(cfg.DBPool))
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if _, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	flowClient := flow.NewClient(cfg.FlowBaseURL, cfg.FlowTimeout, metrics)
	service := app.New(cfg, store.NewPostgresStore(db), flowClient, logger, metrics)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap error (will retry on next restart)", "error", err)
	}

	opts := app.HTTPOptions{
		CORSOrigins:    cfg.CORSOrigins,
		PublicDir:      cfg.PublicDir,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Logger:         logger,
	}

	if cfg.SSO.Enabled() {
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()

		pair, err := serviceProviderKeys(cfg.SSO, logger)
		if err != nil {
			return fmt.Errorf("sp key pair: %w", err)
		}
		auth, err := sso.New(cfg.SSO, pair, redisStore, cfg.SSOSessionTTL, ssoDebugLogger(cfg.SSO, logger))
		if err != nil {
			return fmt.Errorf("sso: %w", err)
		}
		opts.Auth = auth
		opts.ReadinessChecks = map[string]func(context.Context) error{"redis": redisStore.Ping}
		logger.Info("sso enabled", "entry_point", cfg.SSO.EntryPoint, "issuer", cfg.SSO.Issuer)
	} else {
		opts.FallbackMetadata = func() ([]byte, error) {
			return sso.FallbackMetadata(cfg.SSO.Issuer, cfg.SSO.CallbackURL, serviceProviderCert(cfg.SSO, logger))
		}
		logger.Info("sso disabled, api routes are open")
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("pollbot api listening", "addr", cfg.Addr, "flow_base_url", cfg.FlowBaseURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("pollbot api stopped cleanly")
	return nil
}

// serviceProviderKeys loads the SP key pair, generating an ephemeral one when
// the files are missing or unreadable.
func serviceProviderKeys(cfg config.SSOConfig, logger *slog.Logger) (certs.KeyPair, error) {
	pair, err := certs.Load(cfg.SPKeyFile, cfg.SPCertFile)
	if err == nil {
		return pair, nil
	}
	logger.Warn("sp key pair unavailable, generating an ephemeral one; run `pollbotctl gencerts` for a stable identity",
		"key_file", cfg.SPKeyFile,
		"cert_file", cfg.SPCertFile,
		"error", err,
	)
	return certs.Generate("pollbot-sp")
}

func serviceProviderCert(cfg config.SSOConfig, logger *slog.Logger) *x509.Certificate {
	contents, err := os.ReadFile(cfg.SPCertFile)
	if err != nil {
		return nil
	}
	cert, err := certs.ParseCertificate(string(contents))
	if err != nil {
		logger.Warn("sp certificate unreadable, metadata published without it", "cert_file", cfg.SPCertFile, "error", err)
		return nil
	}
	return cert
}

func ssoDebugLogger(cfg config.SSOConfig, logger *slog.Logger) *slog.Logger {
	if !cfg.Debug {
		return slog.New(slog.DiscardHandler)
	}
	return logger.With("component", "sso")
}
