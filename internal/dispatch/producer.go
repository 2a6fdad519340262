package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/docvault/webhook-dispatch/internal/model"
)

// Registry is the subscription lookup the producer fans out against.
type Registry interface {
	ListActiveByEventType(ctx context.Context, eventType model.EventType) ([]model.Webhook, error)
}

// EventCreator persists one delivery record per matching subscription.
type EventCreator interface {
	Create(ctx context.Context, webhookID uuid.UUID, eventType model.EventType, payload json.RawMessage, maxAttempts int) (*model.WebhookEvent, error)
}

// Producer turns one emitted domain event into pending delivery records,
// one per matching active webhook.
type Producer struct {
	registry    Registry
	events      EventCreator
	maxAttempts int
}

func NewProducer(registry Registry, events EventCreator, maxAttempts int) *Producer {
	return &Producer{registry: registry, events: events, maxAttempts: maxAttempts}
}

// Emit creates one pending WebhookEvent per active webhook subscribed to
// eventType whose ownership matches (userID, orgID). Fan-out is best
// effort: the emitting domain action has already committed, so a store
// failure for one subscriber is logged and skipped, never propagated.
// The only error Emit returns is an unknown event type.
func (p *Producer) Emit(ctx context.Context, eventType model.EventType, payload json.RawMessage, userID string, orgID *string) ([]uuid.UUID, error) {
	if !eventType.Valid() {
		return nil, &model.ValidationError{Field: "eventType", Reason: fmt.Sprintf("unknown event type %q", eventType)}
	}
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	webhooks, err := p.registry.ListActiveByEventType(ctx, eventType)
	if err != nil {
		slog.Error("fan-out: failed to list webhooks", "error", err, "event_type", eventType)
		return nil, nil
	}

	var ids []uuid.UUID
	for i := range webhooks {
		w := &webhooks[i]
		if !w.MatchesOwner(userID, orgID) {
			continue
		}
		event, err := p.events.Create(ctx, w.ID, eventType, payload, p.maxAttempts)
		if err != nil {
			slog.Error("fan-out: failed to create event", "error", err, "webhook_id", w.ID, "event_type", eventType)
			continue
		}
		ids = append(ids, event.ID)
	}
	if len(ids) > 0 {
		slog.Info("fan-out complete", "event_type", eventType, "created", len(ids))
	}
	return ids, nil
}
