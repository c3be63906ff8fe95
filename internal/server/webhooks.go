package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apierrors "github.com/nexuscomm/webhooks/internal/errors"
	"github.com/nexuscomm/webhooks/internal/middleware"
	"github.com/nexuscomm/webhooks/internal/models"
	"github.com/nexuscomm/webhooks/internal/webhook"
)

// Delivery log window limits
const (
	defaultLogWindow = 24 * time.Hour
	defaultLogLimit  = 100
	maxLogLimit      = 1000
)

// endpointWithSecret is returned by create and rotate, the only responses
// that carry the signing secret
type endpointWithSecret struct {
	*models.WebhookEndpoint
	Secret string `json:"secret"`
}

// endpointDetail adds the endpoint's circuit breaker status to a single get
type endpointDetail struct {
	*models.WebhookEndpoint
	Circuit *webhook.BreakerStatus `json:"circuit,omitempty"`
}

func (s *APIServer) handleListWebhooks(c *gin.Context) {
	userID := middleware.GetUserIDFromContext(c)
	endpoints, err := s.services.Registry.ListForUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, mapError(c, "list_webhooks", err))
		return
	}
	if endpoints == nil {
		endpoints = []*models.WebhookEndpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": endpoints})
}

func (s *APIServer) handleCreateWebhook(c *gin.Context) {
	var req webhook.CreateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidRequestError("Invalid request body"))
		return
	}

	userID := middleware.GetUserIDFromContext(c)
	ep, err := s.services.Registry.Create(c.Request.Context(), userID, &req)
	if err != nil {
		respondError(c, mapError(c, "create_webhook", err))
		return
	}
	c.JSON(http.StatusCreated, endpointWithSecret{WebhookEndpoint: ep, Secret: ep.Secret})
}

func (s *APIServer) handleGetWebhook(c *gin.Context) {
	id, ok := webhookIDParam(c)
	if !ok {
		return
	}
	ep, err := s.services.Registry.Get(c.Request.Context(), id, middleware.GetUserIDFromContext(c))
	if err != nil {
		respondError(c, mapError(c, "get_webhook", err))
		return
	}
	detail := endpointDetail{WebhookEndpoint: ep}
	if s.services.Dispatcher != nil {
		detail.Circuit = s.services.Dispatcher.BreakerStatus(ep.ID)
	}
	c.JSON(http.StatusOK, detail)
}

func (s *APIServer) handleUpdateWebhook(c *gin.Context) {
	id, ok := webhookIDParam(c)
	if !ok {
		return
	}
	var req webhook.UpdateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewInvalidRequestError("Invalid request body"))
		return
	}

	ep, err := s.services.Registry.Update(c.Request.Context(), id, middleware.GetUserIDFromContext(c), &req)
	if err != nil {
		respondError(c, mapError(c, "update_webhook", err))
		return
	}
	c.JSON(http.StatusOK, ep)
}

func (s *APIServer) handleDeleteWebhook(c *gin.Context) {
	id, ok := webhookIDParam(c)
	if !ok {
		return
	}
	if err := s.services.Registry.Delete(c.Request.Context(), id, middleware.GetUserIDFromContext(c)); err != nil {
		respondError(c, mapError(c, "delete_webhook", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *APIServer) handleRotateSecret(c *gin.Context) {
	id, ok := webhookIDParam(c)
	if !ok {
		return
	}
	ep, err := s.services.Registry.RotateSecret(c.Request.Context(), id, middleware.GetUserIDFromContext(c))
	if err != nil {
		respondError(c, mapError(c, "rotate_secret", err))
		return
	}
	c.JSON(http.StatusOK, endpointWithSecret{WebhookEndpoint: ep, Secret: ep.Secret})
}

func (s *APIServer) handleDeliveryLogs(c *gin.Context) {
	id, ok := webhookIDParam(c)
	if !ok {
		return
	}
	filter, details := parseLogFilter(c, time.Now().UTC())
	if len(details) > 0 {
		respondError(c, apierrors.NewValidationError(details))
		return
	}

	// logs are visible only to the endpoint's owner
	if _, err := s.services.Registry.Get(c.Request.Context(), id, middleware.GetUserIDFromContext(c)); err != nil {
		respondError(c, mapError(c, "delivery_logs", err))
		return
	}

	attempts, err := s.services.Logs.ListByWebhook(c.Request.Context(), id, filter)
	if err != nil {
		respondError(c, mapError(c, "delivery_logs", err))
		return
	}
	if attempts == nil {
		attempts = []*models.DeliveryAttempt{}
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":  attempts,
		"since": filter.Since,
		"until": filter.Until,
		"limit": filter.Limit,
	})
}

// handleTestWebhook sends one synthetic event and waits for the attempt
func (s *APIServer) handleTestWebhook(c *gin.Context) {
	id, ok := webhookIDParam(c)
	if !ok {
		return
	}
	userID := middleware.GetUserIDFromContext(c)
	ep, err := s.services.Registry.Get(c.Request.Context(), id, userID)
	if err != nil {
		respondError(c, mapError(c, "test_webhook", err))
		return
	}

	payload, _ := json.Marshal(gin.H{
		"message":    "This is a test event",
		"webhook_id": ep.ID.String(),
	})
	ev := &models.IntegrationEvent{
		ID:        uuid.New(),
		UserID:    userID,
		EventType: models.EventWebhookTest,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	single := ep.Clone()
	single.MaxRetries = 0

	ctx, release := s.services.Registry.Lifecycle().Context(c.Request.Context(), ep.ID)
	defer release()
	result := s.services.Dispatcher.Deliver(ctx, single, ev)
	c.JSON(http.StatusOK, result)
}

func webhookIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrWebhookNotFoundError)
		return uuid.Nil, false
	}
	return id, true
}

// parseLogFilter reads since, until and limit. Missing bounds default to the
// last 24 hours; limit defaults to 100 and is capped at 1000.
func parseLogFilter(c *gin.Context, now time.Time) (webhook.LogFilter, []webhook.FieldError) {
	filter := webhook.LogFilter{
		Since: now.Add(-defaultLogWindow),
		Until: now,
		Limit: defaultLogLimit,
	}
	var details []webhook.FieldError

	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			details = append(details, webhook.FieldError{Field: "since", Message: "must be an RFC3339 timestamp"})
		} else {
			filter.Since = t.UTC()
		}
	}
	if v := c.Query("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			details = append(details, webhook.FieldError{Field: "until", Message: "must be an RFC3339 timestamp"})
		} else {
			filter.Until = t.UTC()
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			details = append(details, webhook.FieldError{Field: "limit", Message: "must be a positive integer"})
		} else {
			filter.Limit = min(n, maxLogLimit)
		}
	}
	if len(details) == 0 && filter.Until.Before(filter.Since) {
		details = append(details, webhook.FieldError{Field: "until", Message: "must not be before since"})
	}
	return filter, details
}
