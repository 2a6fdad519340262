package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docvault/webhook-dispatch/internal/dispatch"
	"github.com/docvault/webhook-dispatch/internal/model"
	"github.com/docvault/webhook-dispatch/internal/store"
)

// EventHandler exposes the producer entry point to domain services and
// event lookups to operators.
type EventHandler struct {
	store    *store.Store
	producer *dispatch.Producer
}

func NewEventHandler(s *store.Store, p *dispatch.Producer) *EventHandler {
	return &EventHandler{store: s, producer: p}
}

type emitRequest struct {
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	UserID         string          `json:"user_id"`
	OrganizationID *string         `json:"organization_id,omitempty"`
}

// Emit fans the event out and returns the created event ids. Domain
// services fire this after their own state change commits; they get the
// ids back immediately and never wait on delivery.
func (h *EventHandler) Emit(c *gin.Context) {
	var req emitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	ids, err := h.producer.Emit(c.Request.Context(), model.EventType(req.EventType), req.Payload, req.UserID, req.OrganizationID)
	if err != nil {
		var verr *model.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		slog.Error("emit failed", "error", err, "event_type", req.EventType)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "emit failed"})
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	c.JSON(http.StatusAccepted, gin.H{"event_ids": ids})
}

func (h *EventHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	event, err := h.store.Events.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		slog.Error("failed to get event", "error", err, "event_id", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get event"})
		return
	}
	c.JSON(http.StatusOK, event)
}
