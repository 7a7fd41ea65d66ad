package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // postgres driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/productcareerlyst/emailflows/internal/api"
	"github.com/productcareerlyst/emailflows/internal/config"
	"github.com/productcareerlyst/emailflows/internal/db"
	"github.com/productcareerlyst/emailflows/internal/email"
	"github.com/productcareerlyst/emailflows/internal/flows"
	"github.com/productcareerlyst/emailflows/internal/metrics"
	"github.com/productcareerlyst/emailflows/internal/newsletter"
	"github.com/productcareerlyst/emailflows/internal/preferences"
	"github.com/productcareerlyst/emailflows/internal/reconcile"
	"github.com/productcareerlyst/emailflows/internal/scheduler"
	"github.com/productcareerlyst/emailflows/internal/store"
	"github.com/productcareerlyst/emailflows/internal/templates"
	"github.com/productcareerlyst/emailflows/internal/worker"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	// JSON in production, pretty text in development.
	var logger *slog.Logger
	if os.Getenv("ENV") == "production" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("config loaded", "env", cfg.Env, "port", cfg.Port)

	// ── Sentry ────────────────────────────────────────────────────────────────
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
		}); err != nil {
			return fmt.Errorf("sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		logger.Info("sentry enabled")
	}

	// ── Database ──────────────────────────────────────────────────────────────
	pool, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	if cfg.MigrateOnStart {
		if err := migrateUp(pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}

	st := store.New(pool, db.New(pool))

	// ── Metrics ───────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// ── Email (Resend) ────────────────────────────────────────────────────────
	gateway, err := email.NewResendGateway(email.ResendConfig{
		APIKey:   cfg.ResendAPIKey,
		FromAddr: cfg.EmailFromAddr,
		FromName: cfg.EmailFromName,
	})
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	if cfg.ResendAPIKey == "" {
		logger.Warn("RESEND_API_KEY not set, provider calls will fail and rows stay pending")
	}

	// ── Newsletter ────────────────────────────────────────────────────────────
	var syncer newsletter.Syncer = newsletter.Noop{}
	if cfg.NewsletterAPIKey != "" {
		syncer = newsletter.NewHTTPSyncer(cfg.NewsletterAPIKey, cfg.NewsletterBaseURL, cfg.NewsletterPublicationID)
		logger.Info("newsletter sync enabled")
	}

	// ── Templates ─────────────────────────────────────────────────────────────
	registry, err := templates.NewRegistry(st, logger)
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}

	// ── Worker ────────────────────────────────────────────────────────────────
	// One limiter paces every provider call in the process: request-path sends
	// and worker batches share it.
	limiter := worker.NewLimiter(cfg.ProviderCallInterval)

	var queue worker.Queue
	if cfg.RedisURL != "" {
		client, err := worker.NewRedisClient(context.Background(), cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		queue = worker.NewRedisQueue(client, "")
		logger.Info("worker: using redis queue")
	} else {
		queue = worker.NewMemoryQueue(cfg.QueueSize)
		logger.Info("worker: using in-process queue", "size", cfg.QueueSize)
	}

	job := worker.NewJob(st, gateway, limiter, m, logger)
	runner := worker.NewRunner(job, queue, st, st, m, worker.RunnerConfig{
		MaxRetries:          cfg.MaxRetries,
		RetrySchedule:       cfg.RetrySweepSchedule,
		CancelSweepSchedule: cfg.CancelSweepSchedule,
		TokenPurgeSchedule:  cfg.TokenPurgeSchedule,
	}, logger)

	// ── Domain services ───────────────────────────────────────────────────────
	canceller := scheduler.NewCanceller(st, runner, m, logger)
	prefs := preferences.NewService(st, canceller, syncer, cfg.BaseURL, logger)
	flowSvc := flows.NewService(st)
	engine := scheduler.NewEngine(scheduler.Deps{
		Store:       st,
		Templates:   registry,
		Preferences: prefs,
		Flows:       flowSvc,
		Gateway:     gateway,
		Dispatcher:  runner,
		Canceller:   canceller,
		Pacer:       limiter,
		Metrics:     m,
	}, scheduler.Config{TestTimeMultiplier: cfg.TestTimeMultiplier}, logger)

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.NewServer(api.Deps{
		Scheduler:   engine,
		Preferences: prefs,
		Flows:       flowSvc,
		Templates:   registry,
		Reconciler:  reconcile.NewHandler(st, prefs, m, logger),
		Emails:      st,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, api.Config{
		InternalAPIKey:      cfg.InternalAPIKey,
		ResendWebhookSecret: cfg.ResendWebhookSecret,
		Env:                 cfg.Env,
	}, logger)
	if cfg.SentryDSN != "" {
		handler = sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle(handler)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Start(ctx) }()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Start returns once the in-flight task finishes.
	select {
	case err := <-runnerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker stopped with error", "error", err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("worker did not stop before the shutdown deadline")
	}

	logger.Info("shutdown complete")
	return nil
}

// openDB opens and tunes the connection pool and verifies the database is
// reachable.
func openDB(dsn string) (*sql.DB, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// migrateUp applies the embedded migrations. A database that is already
// current is not an error.
func migrateUp(pool *sql.DB) error {
	src, err := iofs.New(db.Migrations, "migrations")
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	driver, err := postgres.WithInstance(pool, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("driver: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := mg.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
