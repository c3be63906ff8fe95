package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	apierrors "github.com/nexuscomm/webhooks/internal/errors"
	"github.com/nexuscomm/webhooks/internal/logging"
	"github.com/nexuscomm/webhooks/internal/monitoring"
	"github.com/nexuscomm/webhooks/internal/webhook"
)

const inboundRoute = "/webhooks/:userId/:webhookId"

// handleInboundWebhook verifies a third-party callback against the endpoint's secret
func (s *APIServer) handleInboundWebhook(c *gin.Context) {
	userID := c.Param("userId")
	webhookID := c.Param("webhookId")

	if s.services.Limiter != nil {
		result, err := s.services.Limiter.Allow(c.Request.Context(), c.ClientIP()+":"+webhookID)
		if err == nil && !result.Allowed {
			monitoring.RecordRateLimitHit(inboundRoute)
			retryAfter := int64(result.RetryAfter.Seconds())
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			respondError(c, apierrors.NewRateLimitError(retryAfter))
			return
		}
		if err == nil && result.Remaining >= 0 {
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		}
	}

	limit := s.config.Webhook.InboundBodyLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, apierrors.ErrPayloadTooLargeError)
			return
		}
		respondError(c, apierrors.NewInvalidRequestError("Failed to read request body"))
		return
	}

	msg, err := s.services.Inbound.VerifyInbound(c.Request.Context(), userID, webhookID, raw, c.GetHeader(webhook.SignatureHeader))
	if err != nil {
		if errors.Is(err, webhook.ErrSignatureMismatch) || errors.Is(err, webhook.ErrSignatureMissing) {
			logging.LogSecurityEvent("inbound_signature_rejected", userID, c.ClientIP(), err.Error())
		}
		respondError(c, mapError(c, "inbound_webhook", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "accepted",
		"event_type": msg.EventType,
	})
}
