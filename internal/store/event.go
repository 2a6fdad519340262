package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docvault/webhook-dispatch/internal/model"
)

const eventColumns = `id, webhook_id, event_type, payload, status, attempts, max_attempts,
	last_attempt_at, next_retry_at, response_status, response_body, error_message, created_at, updated_at`

// EventStore owns individual delivery attempt records: one row per
// subscriber per emitted event.
type EventStore struct {
	pool *pgxpool.Pool
}

func (s *EventStore) Create(ctx context.Context, webhookID uuid.UUID, eventType model.EventType, payload json.RawMessage, maxAttempts int) (*model.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO webhook_events (webhook_id, event_type, payload, max_attempts)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+eventColumns,
		webhookID, string(eventType), payload, maxAttempts,
	)
	e, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return e, nil
}

func (s *EventStore) GetByID(ctx context.Context, id uuid.UUID) (*model.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return e, nil
}

// ClaimDue atomically claims a batch of due pending events, oldest first.
// The select-and-mark happens in one statement with row locks so two
// concurrent workers never claim the same event. A claim expires after the
// lease so events stranded by a crashed worker become due again.
func (s *EventStore) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]model.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE webhook_events SET claimed_at = now(), updated_at = now()
		 WHERE id IN (
			SELECT id FROM webhook_events
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			  AND (claimed_at IS NULL OR claimed_at <= now() - make_interval(secs => $2))
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+eventColumns,
		limit, lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("claim due events: %w", err)
	}
	defer rows.Close()

	var events []model.WebhookEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING does not preserve the inner ORDER BY.
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

// MarkDelivered finalizes a claimed event after a 2xx response.
func (s *EventStore) MarkDelivered(ctx context.Context, id uuid.UUID, responseStatus int, responseBody string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET
			status          = 'delivered',
			last_attempt_at = now(),
			next_retry_at   = NULL,
			response_status = $2,
			response_body   = $3,
			error_message   = NULL,
			claimed_at      = NULL,
			updated_at      = now()
		 WHERE id = $1`,
		id, responseStatus, responseBody,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// RecordFailedAttempt writes back one failed delivery try on a claimed
// event. The worker computes the new attempt count, the resulting status
// (pending with a retry schedule, or terminal failed), and the next retry
// time; the store just persists them and releases the claim.
func (s *EventStore) RecordFailedAttempt(ctx context.Context, id uuid.UUID, attempts int, status model.EventStatus, responseStatus *int, responseBody *string, errorMessage string, nextRetryAt *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET
			status          = $2,
			attempts        = $3,
			last_attempt_at = now(),
			next_retry_at   = $4,
			response_status = $5,
			response_body   = $6,
			error_message   = $7,
			claimed_at      = NULL,
			updated_at      = now()
		 WHERE id = $1`,
		id, status, attempts, nextRetryAt, responseStatus, responseBody, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("record failed attempt: %w", err)
	}
	return nil
}

// MarkFailed short-circuits a claimed event to terminal failed without a
// delivery attempt (webhook deleted or deactivated since fan-out).
func (s *EventStore) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET
			status        = 'failed',
			next_retry_at = NULL,
			error_message = $2,
			claimed_at    = NULL,
			updated_at    = now()
		 WHERE id = $1`,
		id, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// ResetFailed is the operator escape hatch from terminal failed: every
// failed event for the webhook with at least threshold attempts goes back
// to pending with a clean slate.
func (s *EventStore) ResetFailed(ctx context.Context, webhookID uuid.UUID, threshold int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET
			status          = 'pending',
			attempts        = 0,
			next_retry_at   = NULL,
			response_status = NULL,
			response_body   = NULL,
			error_message   = NULL,
			claimed_at      = NULL,
			updated_at      = now()
		 WHERE webhook_id = $1 AND status = 'failed' AND attempts >= $2`,
		webhookID, threshold,
	)
	if err != nil {
		return 0, fmt.Errorf("reset failed events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *EventStore) ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]model.WebhookEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM webhook_events
		 WHERE webhook_id = $1 ORDER BY created_at DESC LIMIT $2`,
		webhookID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.WebhookEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *EventStore) CountByStatus(ctx context.Context, webhookID uuid.UUID) (model.EventStats, error) {
	var stats model.EventStats
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*)
		 FROM webhook_events WHERE webhook_id = $1`,
		webhookID,
	).Scan(&stats.Pending, &stats.Delivered, &stats.Failed, &stats.Total)
	if err != nil {
		return stats, fmt.Errorf("count events: %w", err)
	}
	return stats, nil
}

// DeleteTerminalBefore purges delivered/failed events created before the
// cutoff. Pending events are never deleted regardless of age.
func (s *EventStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_events
		 WHERE status IN ('delivered', 'failed') AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanEvent(row pgx.Row) (*model.WebhookEvent, error) {
	var e model.WebhookEvent
	err := row.Scan(&e.ID, &e.WebhookID, &e.EventType, &e.Payload, &e.Status, &e.Attempts, &e.MaxAttempts,
		&e.LastAttemptAt, &e.NextRetryAt, &e.ResponseStatus, &e.ResponseBody, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
