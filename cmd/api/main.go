// Package main is the entry point for the Amora entitlement API server.
//
// It loads configuration, connects the entitlement store (PostgreSQL when
// DATABASE_URL is set, in-memory otherwise), builds the HTTP server with the
// core chassis (middleware, routing, health checks), and starts listening.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"amora/internal/activation"
	"amora/internal/api/handlers"
	"amora/internal/billing"
	"amora/internal/config"
	"amora/internal/core"
	"amora/internal/db"
	"amora/internal/external"
	"amora/internal/usage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// entitlementStore is the storage surface the API needs: one backend serves
// the counter store, the reconciler, and the health probe alike.
type entitlementStore interface {
	usage.DB
	activation.DB
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("entitlement API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	// Select the entitlement store. An empty DATABASE_URL means in-memory,
	// which is only suitable for a single local process.
	var (
		store  entitlementStore
		probes []core.HealthProbe
		pool   *pgxpool.Pool
	)
	if cfg.Database.URL.IsEmpty() {
		if !cfg.IsLocal() {
			return fmt.Errorf("DATABASE_URL is required outside the local environment")
		}
		logger.Warn("no DATABASE_URL configured, using in-memory store")
		store = db.NewMemStore()
	} else {
		pool, err = newPgxPool(cfg)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()
		store = db.NewEntitlementRepo(pool)
		probes = append(probes, &dbProbe{pool: pool})
	}

	catalog := billing.NewStaticCatalog()
	counterStore := usage.NewCounterStore(store, catalog, logger)
	reconciler := activation.NewReconciler(store, logger)

	// Build the server.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Authenticator = core.NewHMACAuthenticator(cfg.Auth.TokenSecret)
	srv.HealthProbes = probes

	// Authenticated client API under /v1.
	entitlementHandler := handlers.NewEntitlementHandler(
		counterStore,
		reconciler,
		srv.Validator,
		logger,
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, entitlementHandler.RegisterRoutes)

	// Public payment provider webhook. Locally the signature check is
	// stubbed out so the endpoint can be exercised with curl.
	var verifier external.WebhookVerifier = &external.StripeVerifier{}
	if cfg.IsLocal() {
		verifier = external.NewStubWebhookVerifier(logger)
	}
	webhookHandler := handlers.NewPaymentsWebhookHandler(
		verifier,
		reconciler,
		cfg.Payments.WebhookSecret.Reveal(),
		logger,
	)
	srv.PublicRouteRegistrars = append(srv.PublicRouteRegistrars, webhookHandler.RegisterRoutes)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// newPgxPool builds the PostgreSQL connection pool from configuration.
func newPgxPool(cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Reveal())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.AcquireTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// dbProbe reports database reachability for the health endpoint.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p *dbProbe) Name() string { return "database" }

func (p *dbProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	})
	return slog.New(handler)
}
