package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docvault/webhook-dispatch/internal/analytics"
	"github.com/docvault/webhook-dispatch/internal/model"
)

// EventQueue is the claimed-event side of the store the worker drives.
type EventQueue interface {
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]model.WebhookEvent, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, responseStatus int, responseBody string) error
	RecordFailedAttempt(ctx context.Context, id uuid.UUID, attempts int, status model.EventStatus, responseStatus *int, responseBody *string, errorMessage string, nextRetryAt *time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
}

// WebhookReader resolves claimed events to their webhook and records the
// rolling delivery summary.
type WebhookReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Webhook, error)
	RecordDeliveryOutcome(ctx context.Context, id uuid.UUID, status model.DeliverySummary, attempts int)
}

type WorkerConfig struct {
	BatchSize       int
	Concurrency     int
	PollInterval    time.Duration
	DeliveryTimeout time.Duration
	ClaimLease      time.Duration
	BackoffCeiling  time.Duration
}

// Worker is the delivery state machine engine. Each tick it claims a
// bounded batch of due pending events, performs signed HTTP delivery with
// a small concurrency pool, and advances each event's state independently.
// Nothing a single event does can abort the tick.
type Worker struct {
	events    EventQueue
	webhooks  WebhookReader
	analytics analytics.Client
	client    *http.Client
	cfg       WorkerConfig
}

func NewWorker(events EventQueue, webhooks WebhookReader, ac analytics.Client, cfg WorkerConfig) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = time.Minute
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = 60 * time.Minute
	}
	if ac == nil {
		ac = analytics.Noop{}
	}
	return &Worker{
		events:    events,
		webhooks:  webhooks,
		analytics: ac,
		client:    &http.Client{Timeout: cfg.DeliveryTimeout},
		cfg:       cfg,
	}
}

// Run polls until the context is cancelled. There is no push path: newly
// created events wait at most one poll interval before discovery.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick claims and processes one batch. Exported so the operator surface
// and tests can drive the worker without the timer.
func (w *Worker) Tick(ctx context.Context) {
	events, err := w.events.ClaimDue(ctx, w.cfg.BatchSize, w.cfg.ClaimLease)
	if err != nil {
		slog.Error("claim due events failed", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := range events {
		event := events[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, &event)
		}()
	}
	wg.Wait()
}

func (w *Worker) process(ctx context.Context, event *model.WebhookEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic processing event", "event_id", event.ID, "panic", r)
			if err := w.events.MarkFailed(ctx, event.ID, fmt.Sprintf("panic: %v", r)); err != nil {
				slog.Error("failed to mark panicked event", "error", err, "event_id", event.ID)
			}
		}
	}()

	webhook, err := w.webhooks.GetByID(ctx, event.WebhookID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		w.failPermanently(ctx, event, "webhook no longer exists")
		return
	case err != nil:
		// Leave the event claimed; the lease expires and another tick
		// retries the lookup.
		slog.Error("failed to load webhook", "error", err, "event_id", event.ID, "webhook_id", event.WebhookID)
		return
	case !webhook.IsActive:
		w.failPermanently(ctx, event, "webhook is inactive")
		return
	}

	env := envelope{
		ID:        event.ID,
		EventType: string(event.EventType),
		Payload:   event.Payload,
		Timestamp: time.Now().UTC(),
	}
	w.transition(ctx, event, webhook, deliver(ctx, w.client, webhook, env))
}

// transition advances the persisted state machine from a tagged delivery
// outcome.
func (w *Worker) transition(ctx context.Context, event *model.WebhookEvent, webhook *model.Webhook, oc outcome) {
	switch oc.kind {
	case outcomeSuccess:
		if err := w.events.MarkDelivered(ctx, event.ID, *oc.responseStatus, *oc.responseBody); err != nil {
			slog.Error("failed to mark delivered", "error", err, "event_id", event.ID)
			return
		}
		w.webhooks.RecordDeliveryOutcome(ctx, webhook.ID, model.DeliverySummarySuccess, event.Attempts)
		w.track(ctx, event, string(model.EventDelivered), event.Attempts, oc.responseStatus)
		slog.Info("event delivered", "event_id", event.ID, "webhook_id", webhook.ID, "status", *oc.responseStatus)

	case outcomePermanent:
		w.failPermanently(ctx, event, oc.reason)
		w.webhooks.RecordDeliveryOutcome(ctx, webhook.ID, model.DeliverySummaryFailed, event.Attempts)

	case outcomeTransient:
		attempts := event.Attempts + 1
		status := model.EventPending
		var nextRetryAt *time.Time
		if attempts >= event.MaxAttempts {
			status = model.EventFailed
		} else {
			next := time.Now().Add(backoffDelay(attempts, w.cfg.BackoffCeiling))
			nextRetryAt = &next
		}

		err := w.events.RecordFailedAttempt(ctx, event.ID, attempts, status, oc.responseStatus, oc.responseBody, oc.reason, nextRetryAt)
		if err != nil {
			slog.Error("failed to record attempt", "error", err, "event_id", event.ID)
			return
		}
		w.webhooks.RecordDeliveryOutcome(ctx, webhook.ID, model.DeliverySummaryFailed, attempts)
		w.track(ctx, event, string(status), attempts, oc.responseStatus)
		slog.Warn("delivery attempt failed",
			"event_id", event.ID, "webhook_id", webhook.ID,
			"attempts", attempts, "max_attempts", event.MaxAttempts,
			"status", status, "reason", oc.reason)
	}
}

func (w *Worker) failPermanently(ctx context.Context, event *model.WebhookEvent, reason string) {
	if err := w.events.MarkFailed(ctx, event.ID, reason); err != nil {
		slog.Error("failed to mark event failed", "error", err, "event_id", event.ID)
		return
	}
	w.track(ctx, event, string(model.EventFailed), event.Attempts, nil)
	slog.Warn("event failed without delivery", "event_id", event.ID, "reason", reason)
}

func (w *Worker) track(ctx context.Context, event *model.WebhookEvent, result string, attempts int, responseStatus *int) {
	w.analytics.TrackDelivery(ctx, analytics.DeliveryMetric{
		EventID:        event.ID,
		WebhookID:      event.WebhookID,
		EventType:      string(event.EventType),
		Outcome:        result,
		Attempts:       attempts,
		ResponseStatus: responseStatus,
		OccurredAt:     time.Now().UTC(),
	})
}

// backoffDelay schedules the next retry 2^attempts minutes out, bounded by
// the ceiling so a raised max-attempts policy cannot push retries out
// indefinitely.
func backoffDelay(attempts int, ceiling time.Duration) time.Duration {
	if attempts >= 30 {
		return ceiling
	}
	d := time.Duration(1<<uint(attempts)) * time.Minute
	if d > ceiling {
		d = ceiling
	}
	return d
}
