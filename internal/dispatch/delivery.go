package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/docvault/webhook-dispatch/internal/model"
	"github.com/docvault/webhook-dispatch/internal/signing"
)

const (
	headerSignature = "X-Webhook-Signature"
	headerEvent     = "X-Webhook-Event"
	headerDelivery  = "X-Webhook-Delivery"

	maxBodyLen = 4096

	// TestEventType marks synchronous test pings sent from the operator
	// surface; it never appears on stored events.
	TestEventType = "webhook.test"
)

// envelope is the wire body POSTed to subscribers. The event id doubles as
// an idempotency key: at-least-once delivery means subscribers may see the
// same id twice.
type envelope struct {
	ID        uuid.UUID       `json:"id"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeTransient
	outcomePermanent
)

// outcome is the tagged result of one delivery attempt. The state-machine
// transition consumes it uniformly instead of re-inspecting statuses and
// error strings.
type outcome struct {
	kind           outcomeKind
	reason         string
	responseStatus *int
	responseBody   *string
}

func success(status int, body string) outcome {
	return outcome{kind: outcomeSuccess, responseStatus: &status, responseBody: &body}
}

func transient(reason string, status *int, body *string) outcome {
	return outcome{kind: outcomeTransient, reason: reason, responseStatus: status, responseBody: body}
}

func permanent(reason string) outcome {
	return outcome{kind: outcomePermanent, reason: reason}
}

// deliver serializes the envelope, signs the exact bytes going on the
// wire, POSTs them to the webhook URL, and classifies the result. Timeouts
// and network errors classify the same as non-2xx responses: transient.
func deliver(ctx context.Context, client *http.Client, webhook *model.Webhook, env envelope) outcome {
	body, err := json.Marshal(env)
	if err != nil {
		return permanent(fmt.Sprintf("marshal payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, signing.Sign(body, webhook.Secret))
	req.Header.Set(headerEvent, env.EventType)
	req.Header.Set(headerDelivery, env.ID.String())

	resp, err := client.Do(req)
	if err != nil {
		return transient(err.Error(), nil, nil)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyLen))
	bodyStr := string(respBody)
	statusCode := resp.StatusCode

	if statusCode >= 200 && statusCode < 300 {
		return success(statusCode, bodyStr)
	}
	return transient(fmt.Sprintf("HTTP %d", statusCode), &statusCode, &bodyStr)
}

// TestResult reports a synchronous test ping for the operator surface.
type TestResult struct {
	Success        bool   `json:"success"`
	ResponseStatus *int   `json:"response_status,omitempty"`
	Error          string `json:"error,omitempty"`
	DurationMS     int64  `json:"duration_ms"`
}

// SendTest delivers a signed test payload to the webhook right now,
// bypassing the event store entirely.
func SendTest(ctx context.Context, client *http.Client, webhook *model.Webhook) TestResult {
	env := envelope{
		ID:        uuid.New(),
		EventType: TestEventType,
		Payload:   json.RawMessage(`{"test":true}`),
		Timestamp: time.Now().UTC(),
	}

	start := time.Now()
	oc := deliver(ctx, client, webhook, env)
	elapsed := time.Since(start).Milliseconds()

	res := TestResult{
		Success:        oc.kind == outcomeSuccess,
		ResponseStatus: oc.responseStatus,
		DurationMS:     elapsed,
	}
	if oc.kind != outcomeSuccess {
		res.Error = oc.reason
	}
	return res
}
