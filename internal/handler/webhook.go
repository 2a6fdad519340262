package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docvault/webhook-dispatch/internal/dispatch"
	"github.com/docvault/webhook-dispatch/internal/model"
	"github.com/docvault/webhook-dispatch/internal/store"
)

// WebhookHandler passes the admin surface through to the registry and
// event store; no business logic lives here.
type WebhookHandler struct {
	store      *store.Store
	testClient *http.Client
}

func NewWebhookHandler(s *store.Store, testClient *http.Client) *WebhookHandler {
	return &WebhookHandler{store: s, testClient: testClient}
}

type createWebhookRequest struct {
	Name           string   `json:"name"`
	URL            string   `json:"url"`
	Events         []string `json:"events"`
	Secret         *string  `json:"secret,omitempty"`
	IsActive       *bool    `json:"is_active,omitempty"`
	UserID         *string  `json:"user_id,omitempty"`
	OrganizationID *string  `json:"organization_id,omitempty"`
}

type updateWebhookRequest struct {
	Name     *string  `json:"name,omitempty"`
	URL      *string  `json:"url,omitempty"`
	Events   []string `json:"events,omitempty"`
	Secret   *string  `json:"secret,omitempty"`
	IsActive *bool    `json:"is_active,omitempty"`
}

func (h *WebhookHandler) Create(c *gin.Context) {
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	webhook, err := h.store.Webhooks.Create(c.Request.Context(), store.CreateWebhookParams{
		Scope:    model.ScopeFromColumns(req.UserID, req.OrganizationID),
		Name:     req.Name,
		URL:      req.URL,
		Events:   req.Events,
		Secret:   req.Secret,
		IsActive: req.IsActive,
	})
	if err != nil {
		respondStoreError(c, err, "failed to create webhook")
		return
	}
	c.JSON(http.StatusCreated, webhook)
}

func (h *WebhookHandler) List(c *gin.Context) {
	var userID, orgID *string
	if v := c.Query("user_id"); v != "" {
		userID = &v
	}
	if v := c.Query("organization_id"); v != "" {
		orgID = &v
	}

	webhooks, err := h.store.Webhooks.List(c.Request.Context(), userID, orgID)
	if err != nil {
		slog.Error("failed to list webhooks", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list webhooks"})
		return
	}
	if webhooks == nil {
		webhooks = []model.Webhook{}
	}
	c.JSON(http.StatusOK, webhooks)
}

func (h *WebhookHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	webhook, err := h.store.Webhooks.GetByID(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "failed to get webhook")
		return
	}
	c.JSON(http.StatusOK, webhook)
}

func (h *WebhookHandler) Update(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req updateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	webhook, err := h.store.Webhooks.Update(c.Request.Context(), id, store.UpdateWebhookParams{
		Name:     req.Name,
		URL:      req.URL,
		Events:   req.Events,
		Secret:   req.Secret,
		IsActive: req.IsActive,
	})
	if err != nil {
		respondStoreError(c, err, "failed to update webhook")
		return
	}
	c.JSON(http.StatusOK, webhook)
}

func (h *WebhookHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	deleted, err := h.store.Webhooks.Delete(c.Request.Context(), id)
	if err != nil {
		slog.Error("failed to delete webhook", "error", err, "webhook_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete webhook"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Test sends a signed ping to the webhook synchronously and reports the
// result without touching the event store.
func (h *WebhookHandler) Test(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	webhook, err := h.store.Webhooks.GetByID(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "failed to get webhook")
		return
	}
	c.JSON(http.StatusOK, dispatch.SendTest(c.Request.Context(), h.testClient, webhook))
}

func (h *WebhookHandler) Events(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := h.store.Webhooks.GetByID(c.Request.Context(), id); err != nil {
		respondStoreError(c, err, "failed to get webhook")
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	events, err := h.store.Events.ListByWebhook(c.Request.Context(), id, limit)
	if err != nil {
		slog.Error("failed to list events", "error", err, "webhook_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}
	if events == nil {
		events = []model.WebhookEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func (h *WebhookHandler) Stats(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	webhook, err := h.store.Webhooks.GetByID(c.Request.Context(), id)
	if err != nil {
		respondStoreError(c, err, "failed to get webhook")
		return
	}

	stats, err := h.store.Events.CountByStatus(c.Request.Context(), id)
	if err != nil {
		slog.Error("failed to count events", "error", err, "webhook_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events":               stats,
		"retry_count":          webhook.RetryCount,
		"last_delivery_at":     webhook.LastDeliveryAt,
		"last_delivery_status": webhook.LastDeliveryStatus,
	})
}

// RetryFailed bulk-resets the webhook's failed events back to pending. The
// optional threshold keeps events below that attempt count terminal.
func (h *WebhookHandler) RetryFailed(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if _, err := h.store.Webhooks.GetByID(c.Request.Context(), id); err != nil {
		respondStoreError(c, err, "failed to get webhook")
		return
	}

	threshold := 0
	if t := c.Query("threshold"); t != "" {
		n, err := strconv.Atoi(t)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid threshold"})
			return
		}
		threshold = n
	}

	reset, err := h.store.Events.ResetFailed(c.Request.Context(), id, threshold)
	if err != nil {
		slog.Error("failed to reset events", "error", err, "webhook_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": reset})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return uuid.Nil, false
	}
	return id, true
}

func respondStoreError(c *gin.Context, err error, logMsg string) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
	default:
		slog.Error(logMsg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": logMsg})
	}
}
