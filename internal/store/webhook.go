package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docvault/webhook-dispatch/internal/model"
)

const webhookColumns = `id, user_id, organization_id, name, url, events, secret, is_active,
	retry_count, last_delivery_at, last_delivery_status, created_at, updated_at`

// WebhookStore owns subscription records: who wants which events, where
// to send them, and the signing secret.
type WebhookStore struct {
	pool *pgxpool.Pool
}

type CreateWebhookParams struct {
	Scope    model.OwnerScope
	Name     string
	URL      string
	Events   []string
	Secret   *string
	IsActive *bool
}

type UpdateWebhookParams struct {
	Name     *string
	URL      *string
	Events   []string
	Secret   *string
	IsActive *bool
}

func (s *WebhookStore) Create(ctx context.Context, p CreateWebhookParams) (*model.Webhook, error) {
	if p.Name == "" {
		return nil, &model.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if err := model.ValidateTargetURL(p.URL); err != nil {
		return nil, err
	}
	events, err := model.ParseEventTypes(p.Events)
	if err != nil {
		return nil, err
	}

	secret := ""
	if p.Secret != nil {
		secret = *p.Secret
	}
	if secret == "" {
		secret, err = generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
	}

	isActive := true
	if p.IsActive != nil {
		isActive = *p.IsActive
	}

	userID, orgID := p.Scope.Columns()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO webhooks (user_id, organization_id, name, url, events, secret, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+webhookColumns,
		userID, orgID, p.Name, p.URL, eventStrings(events), secret, isActive,
	)
	w, err := scanWebhook(row)
	if err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return w, nil
}

func (s *WebhookStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Webhook, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	w, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

func (s *WebhookStore) List(ctx context.Context, userID, orgID *string) ([]model.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhooks
		 WHERE ($1::text IS NULL OR user_id = $1)
		   AND ($2::text IS NULL OR organization_id = $2)
		 ORDER BY created_at DESC`,
		userID, orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

// ListActiveByEventType returns every active webhook subscribed to the
// given event type. Inactive webhooks are invisible to the producer.
func (s *WebhookStore) ListActiveByEventType(ctx context.Context, eventType model.EventType) ([]model.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhooks
		 WHERE is_active = true AND $1 = ANY(events)
		 ORDER BY created_at ASC`,
		string(eventType),
	)
	if err != nil {
		return nil, fmt.Errorf("list active webhooks: %w", err)
	}
	defer rows.Close()
	return collectWebhooks(rows)
}

func (s *WebhookStore) Update(ctx context.Context, id uuid.UUID, p UpdateWebhookParams) (*model.Webhook, error) {
	if p.URL != nil {
		if err := model.ValidateTargetURL(*p.URL); err != nil {
			return nil, err
		}
	}
	var events []string
	if p.Events != nil {
		parsed, err := model.ParseEventTypes(p.Events)
		if err != nil {
			return nil, err
		}
		events = eventStrings(parsed)
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE webhooks SET
			name       = COALESCE($2, name),
			url        = COALESCE($3, url),
			events     = COALESCE($4, events),
			secret     = COALESCE($5, secret),
			is_active  = COALESCE($6, is_active),
			updated_at = $7
		 WHERE id = $1
		 RETURNING `+webhookColumns,
		id, p.Name, p.URL, events, p.Secret, p.IsActive, time.Now(),
	)
	w, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update webhook: %w", err)
	}
	return w, nil
}

func (s *WebhookStore) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete webhook: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordDeliveryOutcome updates the rolling last-delivery summary after an
// attempt. It is a non-critical side effect of delivery, so failures are
// logged and swallowed rather than surfaced to the worker.
func (s *WebhookStore) RecordDeliveryOutcome(ctx context.Context, id uuid.UUID, status model.DeliverySummary, attempts int) {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhooks SET
			retry_count          = $2,
			last_delivery_at     = now(),
			last_delivery_status = $3,
			updated_at           = now()
		 WHERE id = $1`,
		id, attempts, status,
	)
	if err != nil {
		slog.Error("failed to record delivery outcome", "error", err, "webhook_id", id)
	}
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func eventStrings(events []model.EventType) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}

func scanWebhook(row pgx.Row) (*model.Webhook, error) {
	var w model.Webhook
	var events []string
	err := row.Scan(&w.ID, &w.UserID, &w.OrganizationID, &w.Name, &w.URL, &events, &w.Secret,
		&w.IsActive, &w.RetryCount, &w.LastDeliveryAt, &w.LastDeliveryStatus, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Events = make([]model.EventType, len(events))
	for i, e := range events {
		w.Events[i] = model.EventType(e)
	}
	return &w, nil
}

func collectWebhooks(rows pgx.Rows) ([]model.Webhook, error) {
	var webhooks []model.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		webhooks = append(webhooks, *w)
	}
	return webhooks, rows.Err()
}
