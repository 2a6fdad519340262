package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DeliveryMetric is the per-attempt record shipped to the analytics
// service for operator dashboards.
type DeliveryMetric struct {
	EventID        uuid.UUID `json:"event_id"`
	WebhookID      uuid.UUID `json:"webhook_id"`
	EventType      string    `json:"event_type"`
	Outcome        string    `json:"outcome"`
	Attempts       int       `json:"attempts"`
	ResponseStatus *int      `json:"response_status,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Client ships delivery metrics to the analytics service. The dispatch
// engine treats it as fire-and-forget: implementations must never block
// delivery or surface their own failures.
type Client interface {
	TrackDelivery(ctx context.Context, m DeliveryMetric)
}

// Noop is the fallback when no analytics service is configured.
type Noop struct{}

func (Noop) TrackDelivery(context.Context, DeliveryMetric) {}

// HTTP posts metrics to an analytics service endpoint.
type HTTP struct {
	baseURL string
	client  *http.Client
}

func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) TrackDelivery(ctx context.Context, m DeliveryMetric) {
	body, err := json.Marshal(m)
	if err != nil {
		slog.Warn("analytics: failed to marshal metric", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/deliveries", bytes.NewReader(body))
	if err != nil {
		slog.Warn("analytics: failed to build request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		slog.Warn("analytics: track delivery failed", "error", err)
		return
	}
	resp.Body.Close()
}
