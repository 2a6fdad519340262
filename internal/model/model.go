package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when no row matches.
var ErrNotFound = errors.New("not found")

// ValidationError rejects malformed input at registration/update time,
// before anything reaches the event store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type EventType string

const (
	DocumentCreated EventType = "document.created"
	DocumentUpdated EventType = "document.updated"
	DocumentDeleted EventType = "document.deleted"
	DocumentShared  EventType = "document.shared"
	DocumentViewed  EventType = "document.viewed"
)

// EventTypes is the full catalog of subscribable event types.
var EventTypes = []EventType{
	DocumentCreated,
	DocumentUpdated,
	DocumentDeleted,
	DocumentShared,
	DocumentViewed,
}

func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseEventTypes validates a set of raw event names against the catalog.
func ParseEventTypes(raw []string) ([]EventType, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "events", Reason: "must not be empty"}
	}
	events := make([]EventType, 0, len(raw))
	for _, r := range raw {
		t := EventType(r)
		if !t.Valid() {
			return nil, &ValidationError{Field: "events", Reason: fmt.Sprintf("unknown event type %q", r)}
		}
		events = append(events, t)
	}
	return events, nil
}

// ValidateTargetURL requires an absolute http(s) URL.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &ValidationError{Field: "url", Reason: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}
	return nil
}

type DeliverySummary string

const (
	DeliverySummarySuccess DeliverySummary = "success"
	DeliverySummaryFailed  DeliverySummary = "failed"
)

type Webhook struct {
	ID                 uuid.UUID        `json:"id"`
	UserID             *string          `json:"user_id,omitempty"`
	OrganizationID     *string          `json:"organization_id,omitempty"`
	Name               string           `json:"name"`
	URL                string           `json:"url"`
	Events             []EventType      `json:"events"`
	Secret             string           `json:"-"`
	IsActive           bool             `json:"is_active"`
	RetryCount         int              `json:"retry_count"`
	LastDeliveryAt     *time.Time       `json:"last_delivery_at,omitempty"`
	LastDeliveryStatus *DeliverySummary `json:"last_delivery_status,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Subscribed reports whether the webhook's event set contains t.
func (w *Webhook) Subscribed(t EventType) bool {
	for _, e := range w.Events {
		if e == t {
			return true
		}
	}
	return false
}

// MatchesOwner reports whether an event emitted for (userID, orgID) should
// fan out to this webhook. A webhook matches when it is user-private for
// the emitting user, organization-wide for the emitting organization, or
// global (no owner at all).
func (w *Webhook) MatchesOwner(userID string, orgID *string) bool {
	switch {
	case w.UserID == nil && w.OrganizationID == nil:
		return true
	case w.OrganizationID != nil:
		return orgID != nil && *w.OrganizationID == *orgID
	default:
		return *w.UserID == userID
	}
}

type ScopeKind int

const (
	ScopeGlobal ScopeKind = iota
	ScopeUser
	ScopeOrganization
)

// OwnerScope names who a webhook belongs to: a single user, a whole
// organization, or nobody (global). The nullable user_id/org_id pair is a
// storage detail; everything above the store passes one of these.
type OwnerScope struct {
	kind ScopeKind
	id   string
}

func UserScope(userID string) OwnerScope {
	return OwnerScope{kind: ScopeUser, id: userID}
}

func OrganizationScope(orgID string) OwnerScope {
	return OwnerScope{kind: ScopeOrganization, id: orgID}
}

func GlobalScope() OwnerScope {
	return OwnerScope{kind: ScopeGlobal}
}

func (s OwnerScope) Kind() ScopeKind { return s.kind }

// Columns translates the scope to the nullable pair stored on the row.
func (s OwnerScope) Columns() (userID, orgID *string) {
	switch s.kind {
	case ScopeUser:
		return &s.id, nil
	case ScopeOrganization:
		return nil, &s.id
	default:
		return nil, nil
	}
}

// ScopeFromColumns is the inverse of Columns. An organization id wins when
// both are somehow present, matching the fan-out rules.
func ScopeFromColumns(userID, orgID *string) OwnerScope {
	switch {
	case orgID != nil:
		return OrganizationScope(*orgID)
	case userID != nil:
		return UserScope(*userID)
	default:
		return GlobalScope()
	}
}

type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventDelivered EventStatus = "delivered"
	EventFailed    EventStatus = "failed"
)

// Terminal reports whether the status admits no further automatic
// transitions.
func (s EventStatus) Terminal() bool {
	return s == EventDelivered || s == EventFailed
}

// WebhookEvent is one queued/attempted delivery of a single domain event
// to a single webhook. Created pending by the producer, advanced only by
// the delivery worker or an explicit operator retry.
type WebhookEvent struct {
	ID             uuid.UUID       `json:"id"`
	WebhookID      uuid.UUID       `json:"webhook_id"`
	EventType      EventType       `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         EventStatus     `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ResponseBody   *string         `json:"response_body,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// EventStats aggregates per-webhook delivery counts for the operator
// surface.
type EventStats struct {
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
