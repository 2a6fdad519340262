package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/docvault/webhook-dispatch/internal/analytics"
	"github.com/docvault/webhook-dispatch/internal/config"
	"github.com/docvault/webhook-dispatch/internal/database"
	"github.com/docvault/webhook-dispatch/internal/dispatch"
	"github.com/docvault/webhook-dispatch/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to postgres")

	s := store.New(pool)

	var ac analytics.Client = analytics.Noop{}
	if cfg.AnalyticsURL != "" {
		ac = analytics.NewHTTP(cfg.AnalyticsURL, cfg.DeliveryTimeout)
		slog.Info("analytics client configured", "url", cfg.AnalyticsURL)
	}

	w := dispatch.NewWorker(s.Events, s.Webhooks, ac, dispatch.WorkerConfig{
		BatchSize:       cfg.WorkerBatchSize,
		Concurrency:     cfg.WorkerConcurrency,
		PollInterval:    cfg.PollInterval,
		DeliveryTimeout: cfg.DeliveryTimeout,
		ClaimLease:      cfg.ClaimLease,
		BackoffCeiling:  cfg.BackoffCap,
	})
	go w.Run(ctx)
	slog.Info("delivery worker started",
		"concurrency", cfg.WorkerConcurrency,
		"batch_size", cfg.WorkerBatchSize,
		"poll_interval", cfg.PollInterval)

	// Retention cleanup on a cron schedule
	cleaner := dispatch.NewCleaner(s.Events, cfg.RetentionPeriod)
	c := cron.New()
	if _, err := c.AddFunc(cfg.CleanupSchedule, func() {
		if err := cleaner.Run(ctx); err != nil {
			slog.Error("scheduled cleanup failed", "error", err)
		}
	}); err != nil {
		slog.Error("invalid cleanup schedule", "error", err, "schedule", cfg.CleanupSchedule)
		os.Exit(1)
	}
	c.Start()
	defer c.Stop()
	slog.Info("cleanup scheduled", "schedule", cfg.CleanupSchedule, "retention", cfg.RetentionPeriod)

	// Minimal health endpoint for k8s liveness probes
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	healthSrv := &http.Server{
		Addr:    ":8081",
		Handler: healthMux,
	}

	go func() {
		slog.Info("worker health server listening", "port", "8081")
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}
	slog.Info("worker stopped")
}
