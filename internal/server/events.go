package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apierrors "github.com/nexuscomm/webhooks/internal/errors"
	"github.com/nexuscomm/webhooks/internal/logging"
	"github.com/nexuscomm/webhooks/internal/middleware"
	"github.com/nexuscomm/webhooks/internal/models"
)

// PublishEventRequest is the body platform services post to announce an event
type PublishEventRequest struct {
	UserID    string          `json:"userId"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

// handlePublishEvent enqueues deliveries for an event and returns at once.
// An event nobody subscribes to is accepted with no endpoints.
func (s *APIServer) handlePublishEvent(c *gin.Context) {
	var req PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidRequestError("Invalid request body"))
		return
	}

	ev := &models.IntegrationEvent{
		UserID:    req.UserID,
		EventType: req.EventType,
		Payload:   req.Payload,
	}
	matched, err := s.services.Publisher.Publish(c.Request.Context(), ev)
	if err != nil {
		logging.LogError(err, middleware.GetRequestIDFromContext(c), "server", "publish_event")
		respondError(c, apierrors.ErrQueueUnavailableError)
		return
	}
	if matched == nil {
		matched = []uuid.UUID{}
	}

	resp := gin.H{"webhook_ids": matched}
	if ev.ID != uuid.Nil {
		resp["event_id"] = ev.ID
	}
	c.JSON(http.StatusAccepted, resp)
}
