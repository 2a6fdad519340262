package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docvault/webhook-dispatch/internal/model"
	"github.com/docvault/webhook-dispatch/internal/signing"
)

type failedAttempt struct {
	attempts       int
	status         model.EventStatus
	responseStatus *int
	responseBody   *string
	errorMessage   string
	nextRetryAt    *time.Time
}

type deliveredRecord struct {
	responseStatus int
	responseBody   string
}

// fakeEvents hands out a preloaded batch once and records every writeback.
type fakeEvents struct {
	mu        sync.Mutex
	queue     []model.WebhookEvent
	delivered map[uuid.UUID]deliveredRecord
	failed    map[uuid.UUID]string
	attempts  map[uuid.UUID]failedAttempt
}

func newFakeEvents(events ...model.WebhookEvent) *fakeEvents {
	return &fakeEvents{
		queue:     events,
		delivered: map[uuid.UUID]deliveredRecord{},
		failed:    map[uuid.UUID]string{},
		attempts:  map[uuid.UUID]failedAttempt{},
	}
}

func (f *fakeEvents) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]model.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := f.queue
	if len(batch) > limit {
		batch = batch[:limit]
	}
	f.queue = f.queue[len(batch):]
	return batch, nil
}

func (f *fakeEvents) MarkDelivered(ctx context.Context, id uuid.UUID, responseStatus int, responseBody string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered[id] = deliveredRecord{responseStatus, responseBody}
	return nil
}

func (f *fakeEvents) RecordFailedAttempt(ctx context.Context, id uuid.UUID, attempts int, status model.EventStatus, responseStatus *int, responseBody *string, errorMessage string, nextRetryAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id] = failedAttempt{attempts, status, responseStatus, responseBody, errorMessage, nextRetryAt}
	return nil
}

func (f *fakeEvents) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = errorMessage
	return nil
}

type summaryRecord struct {
	status   model.DeliverySummary
	attempts int
}

type fakeWebhooks struct {
	mu       sync.Mutex
	webhooks map[uuid.UUID]*model.Webhook
	outcomes map[uuid.UUID][]summaryRecord
}

func newFakeWebhooks(webhooks ...*model.Webhook) *fakeWebhooks {
	f := &fakeWebhooks{
		webhooks: map[uuid.UUID]*model.Webhook{},
		outcomes: map[uuid.UUID][]summaryRecord{},
	}
	for _, w := range webhooks {
		f.webhooks[w.ID] = w
	}
	return f
}

func (f *fakeWebhooks) GetByID(ctx context.Context, id uuid.UUID) (*model.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.webhooks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return w, nil
}

func (f *fakeWebhooks) RecordDeliveryOutcome(ctx context.Context, id uuid.UUID, status model.DeliverySummary, attempts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[id] = append(f.outcomes[id], summaryRecord{status, attempts})
}

func testWebhook(url string) *model.Webhook {
	return &model.Webhook{
		ID:       uuid.New(),
		Name:     "test hook",
		URL:      url,
		Events:   []model.EventType{model.DocumentCreated},
		Secret:   "shhh",
		IsActive: true,
	}
}

func testEvent(webhookID uuid.UUID, attempts, maxAttempts int) model.WebhookEvent {
	return model.WebhookEvent{
		ID:          uuid.New(),
		WebhookID:   webhookID,
		EventType:   model.DocumentCreated,
		Payload:     json.RawMessage(`{"document_id":"doc-1"}`),
		Status:      model.EventPending,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}
}

func newTestWorker(events EventQueue, webhooks WebhookReader, timeout time.Duration) *Worker {
	return NewWorker(events, webhooks, nil, WorkerConfig{
		BatchSize:       50,
		Concurrency:     4,
		PollInterval:    time.Second,
		DeliveryTimeout: timeout,
		ClaimLease:      time.Minute,
		BackoffCeiling:  60 * time.Minute,
	})
}

func TestTickDeliversSignedPayload(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	webhook := testWebhook(srv.URL)
	event := testEvent(webhook.ID, 0, 3)
	events := newFakeEvents(event)
	webhooks := newFakeWebhooks(webhook)

	newTestWorker(events, webhooks, 5*time.Second).Tick(context.Background())

	rec, ok := events.delivered[event.ID]
	if !ok {
		t.Fatalf("event not marked delivered; failed=%v attempts=%v", events.failed, events.attempts)
	}
	if rec.responseStatus != http.StatusOK {
		t.Errorf("response status = %d, want 200", rec.responseStatus)
	}

	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if gotHeaders.Get(headerDelivery) != event.ID.String() {
		t.Errorf("%s = %q, want event id", headerDelivery, gotHeaders.Get(headerDelivery))
	}
	if gotHeaders.Get(headerEvent) != string(model.DocumentCreated) {
		t.Errorf("%s = %q", headerEvent, gotHeaders.Get(headerEvent))
	}
	if !signing.Verify(gotBody, webhook.Secret, gotHeaders.Get(headerSignature)) {
		t.Error("signature does not verify over the raw request body")
	}

	var env struct {
		ID        uuid.UUID       `json:"id"`
		EventType string          `json:"eventType"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp time.Time       `json:"timestamp"`
	}
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("body is not a valid envelope: %v", err)
	}
	if env.ID != event.ID {
		t.Errorf("envelope id = %s, want %s", env.ID, event.ID)
	}
	if env.EventType != string(model.DocumentCreated) {
		t.Errorf("envelope eventType = %q", env.EventType)
	}
	if string(env.Payload) != `{"document_id":"doc-1"}` {
		t.Errorf("payload not passed through verbatim: %s", env.Payload)
	}
	if env.Timestamp.IsZero() {
		t.Error("envelope timestamp missing")
	}

	got := webhooks.outcomes[webhook.ID]
	if len(got) != 1 || got[0].status != model.DeliverySummarySuccess {
		t.Errorf("delivery outcome = %+v, want one success", got)
	}
}

func TestTickSchedulesRetryWithExponentialBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	webhook := testWebhook(srv.URL)

	cases := []struct {
		name      string
		attempts  int
		wantDelay time.Duration
	}{
		{"first failure retries in 2m", 0, 2 * time.Minute},
		{"second failure retries in 4m", 1, 4 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event := testEvent(webhook.ID, tc.attempts, 3)
			events := newFakeEvents(event)
			webhooks := newFakeWebhooks(webhook)

			before := time.Now()
			newTestWorker(events, webhooks, 5*time.Second).Tick(context.Background())

			rec, ok := events.attempts[event.ID]
			if !ok {
				t.Fatal("no failed attempt recorded")
			}
			if rec.status != model.EventPending {
				t.Errorf("status = %s, want pending", rec.status)
			}
			if rec.attempts != tc.attempts+1 {
				t.Errorf("attempts = %d, want %d", rec.attempts, tc.attempts+1)
			}
			if rec.nextRetryAt == nil {
				t.Fatal("nextRetryAt not set")
			}
			delay := rec.nextRetryAt.Sub(before)
			if delay < tc.wantDelay || delay > tc.wantDelay+5*time.Second {
				t.Errorf("retry delay = %v, want about %v", delay, tc.wantDelay)
			}
			if rec.responseStatus == nil || *rec.responseStatus != http.StatusInternalServerError {
				t.Errorf("responseStatus = %v, want 500", rec.responseStatus)
			}
			if rec.errorMessage != "HTTP 500" {
				t.Errorf("errorMessage = %q", rec.errorMessage)
			}
		})
	}
}

func TestTickExhaustsAttemptsToTerminalFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "still broken", http.StatusInternalServerError)
	}))
	defer srv.Close()

	webhook := testWebhook(srv.URL)
	event := testEvent(webhook.ID, 2, 3)
	events := newFakeEvents(event)
	webhooks := newFakeWebhooks(webhook)

	newTestWorker(events, webhooks, 5*time.Second).Tick(context.Background())

	rec, ok := events.attempts[event.ID]
	if !ok {
		t.Fatal("no failed attempt recorded")
	}
	if rec.status != model.EventFailed {
		t.Errorf("status = %s, want failed", rec.status)
	}
	if rec.attempts != 3 {
		t.Errorf("attempts = %d, want 3", rec.attempts)
	}
	if rec.nextRetryAt != nil {
		t.Errorf("nextRetryAt = %v, want nil for terminal event", rec.nextRetryAt)
	}

	got := webhooks.outcomes[webhook.ID]
	if len(got) != 1 || got[0].status != model.DeliverySummaryFailed || got[0].attempts != 3 {
		t.Errorf("delivery outcome = %+v, want one failed with attempts=3", got)
	}
}

func TestTickTreatsTimeoutAsTransientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	webhook := testWebhook(srv.URL)
	event := testEvent(webhook.ID, 0, 3)
	events := newFakeEvents(event)
	webhooks := newFakeWebhooks(webhook)

	newTestWorker(events, webhooks, 50*time.Millisecond).Tick(context.Background())

	rec, ok := events.attempts[event.ID]
	if !ok {
		t.Fatal("timeout did not record a failed attempt")
	}
	if rec.status != model.EventPending {
		t.Errorf("status = %s, want pending (retryable)", rec.status)
	}
	if rec.responseStatus != nil {
		t.Errorf("responseStatus = %v, want nil for network error", rec.responseStatus)
	}
	if rec.errorMessage == "" {
		t.Error("errorMessage should describe the timeout")
	}
}

func TestTickSkipsDeliveryForInactiveWebhook(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	webhook := testWebhook(srv.URL)
	webhook.IsActive = false
	event := testEvent(webhook.ID, 0, 3)
	events := newFakeEvents(event)
	webhooks := newFakeWebhooks(webhook)

	newTestWorker(events, webhooks, 5*time.Second).Tick(context.Background())

	if calls != 0 {
		t.Errorf("HTTP calls = %d, want 0 for inactive webhook", calls)
	}
	msg, ok := events.failed[event.ID]
	if !ok {
		t.Fatal("event not marked failed")
	}
	if msg != "webhook is inactive" {
		t.Errorf("error message = %q", msg)
	}
}

func TestTickFailsEventForDeletedWebhook(t *testing.T) {
	event := testEvent(uuid.New(), 0, 3)
	events := newFakeEvents(event)
	webhooks := newFakeWebhooks()

	newTestWorker(events, webhooks, 5*time.Second).Tick(context.Background())

	msg, ok := events.failed[event.ID]
	if !ok {
		t.Fatal("event not marked failed")
	}
	if msg != "webhook no longer exists" {
		t.Errorf("error message = %q", msg)
	}
}

func TestTickIsolatesFailuresAcrossBatch(t *testing.T) {
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusBadGateway)
	}))
	defer badSrv.Close()

	goodHook := testWebhook(okSrv.URL)
	badHook := testWebhook(badSrv.URL)
	goodEvent := testEvent(goodHook.ID, 0, 3)
	badEvent := testEvent(badHook.ID, 0, 3)
	orphanEvent := testEvent(uuid.New(), 0, 3)

	events := newFakeEvents(badEvent, orphanEvent, goodEvent)
	webhooks := newFakeWebhooks(goodHook, badHook)

	newTestWorker(events, webhooks, 5*time.Second).Tick(context.Background())

	if _, ok := events.delivered[goodEvent.ID]; !ok {
		t.Error("good event should be delivered despite failures in the batch")
	}
	if rec, ok := events.attempts[badEvent.ID]; !ok || rec.attempts != 1 {
		t.Errorf("bad event attempt = %+v, want one recorded failure", rec)
	}
	if _, ok := events.failed[orphanEvent.ID]; !ok {
		t.Error("orphan event should be marked failed")
	}
}

func TestBackoffDelay(t *testing.T) {
	ceiling := 60 * time.Minute
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{5, 32 * time.Minute},
		{6, 60 * time.Minute},
		{12, 60 * time.Minute},
		{40, 60 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempts, ceiling); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestSendTest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res := SendTest(context.Background(), srv.Client(), testWebhook(srv.URL))
	if !res.Success {
		t.Fatalf("test ping failed: %+v", res)
	}
	if res.ResponseStatus == nil || *res.ResponseStatus != http.StatusNoContent {
		t.Errorf("responseStatus = %v, want 204", res.ResponseStatus)
	}

	srv.Close()
	res = SendTest(context.Background(), &http.Client{Timeout: time.Second}, testWebhook(srv.URL))
	if res.Success {
		t.Error("test ping against a closed server should fail")
	}
	if res.Error == "" {
		t.Error("failure should carry an error message")
	}
}
