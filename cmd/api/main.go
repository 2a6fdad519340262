package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/docvault/webhook-dispatch/internal/analytics"
	"github.com/docvault/webhook-dispatch/internal/config"
	"github.com/docvault/webhook-dispatch/internal/database"
	"github.com/docvault/webhook-dispatch/internal/dispatch"
	"github.com/docvault/webhook-dispatch/internal/handler"
	"github.com/docvault/webhook-dispatch/internal/store"
)

func main() {
	withWorker := flag.Bool("worker", false, "also run the delivery worker in-process")
	flag.Parse()

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
	producer := dispatch.NewProducer(s.Webhooks, s.Events, cfg.MaxAttempts)
	webhookH := handler.NewWebhookHandler(s, &http.Client{Timeout: cfg.DeliveryTimeout})
	eventH := handler.NewEventHandler(s, producer)

	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, ".")
	})

	api := r.Group("/api")
	{
		webhooks := api.Group("/webhooks")
		{
			webhooks.POST("", webhookH.Create)
			webhooks.GET("", webhookH.List)
			webhooks.GET("/:id", webhookH.Get)
			webhooks.PATCH("/:id", webhookH.Update)
			webhooks.DELETE("/:id", webhookH.Delete)
			webhooks.POST("/:id/test", webhookH.Test)
			webhooks.GET("/:id/events", webhookH.Events)
			webhooks.GET("/:id/stats", webhookH.Stats)
			webhooks.POST("/:id/retry", webhookH.RetryFailed)
		}
		events := api.Group("/events")
		{
			events.POST("", eventH.Emit)
			events.GET("/:id", eventH.Get)
		}
	}

	// Optionally run the delivery worker in-process for local development
	if *withWorker {
		w := dispatch.NewWorker(s.Events, s.Webhooks, analyticsClient(cfg), dispatch.WorkerConfig{
			BatchSize:       cfg.WorkerBatchSize,
			Concurrency:     cfg.WorkerConcurrency,
			PollInterval:    cfg.PollInterval,
			DeliveryTimeout: cfg.DeliveryTimeout,
			ClaimLease:      cfg.ClaimLease,
			BackoffCeiling:  cfg.BackoffCap,
		})
		go w.Run(ctx)
		slog.Info("delivery worker started", "concurrency", cfg.WorkerConcurrency)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("api server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("api server stopped")
}

func analyticsClient(cfg config.Config) analytics.Client {
	if cfg.AnalyticsURL == "" {
		return analytics.Noop{}
	}
	return analytics.NewHTTP(cfg.AnalyticsURL, cfg.DeliveryTimeout)
}
