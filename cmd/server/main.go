// Package main is the entrypoint for the errwatch server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kiranshivaraju/errwatch/internal/api"
	"github.com/kiranshivaraju/errwatch/internal/api/handler"
	mw "github.com/kiranshivaraju/errwatch/internal/api/middleware"
	"github.com/kiranshivaraju/errwatch/internal/api/response"
	"github.com/kiranshivaraju/errwatch/internal/cache"
	"github.com/kiranshivaraju/errwatch/internal/config"
	"github.com/kiranshivaraju/errwatch/internal/grouping"
	"github.com/kiranshivaraju/errwatch/internal/ingest"
	"github.com/kiranshivaraju/errwatch/internal/notifier"
	"github.com/kiranshivaraju/errwatch/internal/report"
	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	shutdownTimeout = 30 * time.Second
	webhookTimeout  = 10 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Store.Driver,
		"scheduler", cfg.Scheduler.Driver,
		"transport", cfg.Notify.Transport,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open store (runs migrations for postgres)
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Connect to Redis when configured
	var (
		redisClient *redis.Client
		sharedCache cache.Cache
	)
	if cfg.Redis.URL != "" {
		redisClient, err = cache.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		redisCache := cache.NewRedisCacheFromClient(redisClient)
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		sharedCache = redisCache
		slog.Info("redis connected")
	}

	// 4. Notification transport and scheduler
	deliverer, closeDeliverer, err := newDeliverer(cfg)
	if err != nil {
		return err
	}
	defer closeDeliverer()

	var scheduler notifier.Scheduler
	if cfg.Scheduler.Driver == "redis" {
		scheduler = notifier.NewRedisScheduler(redisClient, cfg.Scheduler.PollInterval)
	} else {
		scheduler = notifier.NewTimerScheduler()
	}

	// 5. Engine
	epoch := grouping.NewEpochCache(st, sharedCache)
	scorer := grouping.NewScorer(st, epoch)
	matcher := grouping.NewMatcher(st, scorer,
		grouping.NewExactRule(st, cfg.Grouping.ExcludePatterns),
		grouping.NewSelectorRule(st, cfg.Grouping.SelectorLanguages),
	)
	lifecycle := grouping.NewLifecycle(st)
	reader := report.NewReader(st)
	ingestSvc := ingest.NewService(st, matcher, epoch, scheduler, cfg.Scheduler.Delay)
	debouncer := notifier.NewDebouncer(st, deliverer, notifier.Policy{
		Debounce:             cfg.Notify.Debounce,
		AcknowledgedDebounce: cfg.Notify.AcknowledgedDebounce,
		JobRetryGrace:        cfg.Notify.JobRetryGrace,
		ExcludedEnvs:         cfg.Notify.ExcludedEnvs,
		NoisyLanguages:       cfg.Notify.NoisyLanguages,
	})
	runner := notifier.NewRunner(scheduler, debouncer, cfg.Scheduler.Workers)

	// 6. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		RateLimit: mw.NewRateLimit(sharedCache, cfg.Server.RateLimitPerMinute),

		HealthHandler:  healthHandler(st, sharedCache),
		MetricsHandler: promhttp.Handler(),

		IngestHandler:     handler.NewIngestHandler(ingestSvc),
		ListGroups:        handler.NewListGroupsHandler(reader),
		GetGroup:          handler.NewGetGroupHandler(reader),
		ActivateGroup:     handler.NewActivateHandler(lifecycle),
		ResolveGroup:      handler.NewResolveHandler(lifecycle),
		AcknowledgeGroup:  handler.NewAcknowledgeHandler(lifecycle),
		AddNote:           handler.NewAddNoteHandler(lifecycle),
		WatchGroup:        handler.NewWatchGroupHandler(st),
		ResolveMembership: handler.NewResolveMembershipHandler(scorer),
		CreateWatcher:     handler.NewCreateWatcherHandler(st),
		Stats:             handler.NewStatsHandler(reader),
	})

	// 7. Start notification workers
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil {
			slog.Error("notification runner stopped", "error", err)
		}
	}()
	slog.Info("notification workers started", "workers", cfg.Scheduler.Workers)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	wg.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// openStore returns the configured store and a function releasing it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Store.Driver == "memory" {
		mem := store.NewMemoryStore()
		mem.SetLockTimeout(cfg.Notify.LockTimeout)
		slog.Warn("using in-memory store; data is lost on restart")
		return mem, func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool, store.WithLockTimeout(cfg.Notify.LockTimeout)), pool.Close, nil
}

// newDeliverer returns the configured notification transport and a function releasing it.
func newDeliverer(cfg *config.Config) (notifier.Deliverer, func(), error) {
	switch cfg.Notify.Transport {
	case "webhook":
		return notifier.NewWebhookDeliverer(cfg.Notify.WebhookURL, cfg.Notify.WebhookRPS, webhookTimeout), func() {}, nil
	case "nats":
		d, err := notifier.NewNATSDeliverer(cfg.NATS.URL, cfg.NATS.Stream, cfg.NATS.Subject)
		if err != nil {
			return nil, nil, fmt.Errorf("create nats deliverer: %w", err)
		}
		slog.Info("nats connected", "stream", cfg.NATS.Stream, "subject", cfg.NATS.Subject)
		return d, func() { _ = d.Close() }, nil
	default:
		return notifier.LogDeliverer{}, func() {}, nil
	}
}

// healthHandler checks store and, when configured, cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if c != nil {
			checks["cache"] = "ok"
			if err := c.Ping(r.Context()); err != nil {
				checks["cache"] = "degraded"
			}
		}

		for _, status := range checks {
			if status != "ok" {
				response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
