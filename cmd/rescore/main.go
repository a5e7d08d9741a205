// Package main recomputes the popularity of every group from its open
// memberships. Run it after changing the scoring epoch or bulk-resolving
// memberships outside the server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/errwatch/internal/cache"
	"github.com/kiranshivaraju/errwatch/internal/config"
	"github.com/kiranshivaraju/errwatch/internal/grouping"
	"github.com/kiranshivaraju/errwatch/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("rescore failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Driver != "postgres" {
		return fmt.Errorf("rescore needs STORE_DRIVER=postgres, got %q", cfg.Store.Driver)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	st := store.NewPostgresStore(pool)

	var shared cache.Cache
	if cfg.Redis.URL != "" {
		rc, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer rc.Close()
		shared = rc
	}

	epoch := grouping.NewEpochCache(st, shared)
	// A stale shared epoch would skew every score.
	epoch.Invalidate(ctx)

	start := time.Now()
	n, err := grouping.NewScorer(st, epoch).RescoreAll(ctx)
	slog.Info("rescore finished", "groups", n, "duration_ms", time.Since(start).Milliseconds())
	return err
}
