// Package main is the entrypoint for the renewal sweeper worker.
//
// The sweeper periodically advances the billing cycle of every paying user
// whose next_billing_date has passed, emitting one renewal record per
// advanced cycle for the downstream charging pipeline. Runs are idempotent
// and guarded by a Postgres advisory lock, so running several sweeper
// processes side by side is safe; at most one makes progress per batch.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"amora/internal/billing"
	"amora/internal/config"
	"amora/internal/db"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("renewal sweeper starting",
		"environment", cfg.Environment,
		"interval", cfg.Sweep.Interval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store billing.SweepDB
	if cfg.Database.URL.IsEmpty() {
		if !cfg.IsLocal() {
			return fmt.Errorf("DATABASE_URL is required outside the local environment")
		}
		logger.Warn("no DATABASE_URL configured, sweeping an in-memory store")
		store = db.NewMemStore()
	} else {
		pool, err := pgxpool.New(ctx, cfg.Database.URL.Reveal())
		if err != nil {
			return fmt.Errorf("creating database pool: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("pinging database: %w", err)
		}
		store = db.NewEntitlementRepo(pool)
	}

	manager := billing.NewCycleManager(store, logger)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweepLoop(gCtx, manager, cfg.Sweep.Interval, logger)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("renewal sweeper stopped cleanly")
	return nil
}

// sweepLoop runs one sweep immediately, then one per interval until the
// context is canceled. A failed sweep is logged and retried at the next
// tick rather than taking the worker down; the per-user date guard makes a
// partially applied sweep harmless.
func sweepLoop(ctx context.Context, manager *billing.CycleManager, interval time.Duration, logger *slog.Logger) error {
	runOnce := func() {
		start := time.Now()
		advanced, err := manager.RunSweep(ctx, start)
		if err != nil {
			logger.ErrorContext(ctx, "renewal sweep failed",
				"advanced", advanced,
				"duration", time.Since(start).String(),
				"error", err,
			)
			return
		}
		logger.InfoContext(ctx, "renewal sweep complete",
			"advanced", advanced,
			"duration", time.Since(start).String(),
		)
	}

	runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runOnce()
		}
	}
}
