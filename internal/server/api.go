package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nexuscomm/webhooks/internal/config"
	apierrors "github.com/nexuscomm/webhooks/internal/errors"
	"github.com/nexuscomm/webhooks/internal/logging"
	"github.com/nexuscomm/webhooks/internal/middleware"
	"github.com/nexuscomm/webhooks/internal/monitoring"
	"github.com/nexuscomm/webhooks/internal/ratelimit"
	"github.com/nexuscomm/webhooks/internal/webhook"
	"github.com/rs/zerolog/log"
)

// Services are the components the HTTP surface calls into
type Services struct {
	Registry   *webhook.Registry
	Logs       webhook.DeliveryLog
	Dispatcher *webhook.Dispatcher
	Publisher  *webhook.Publisher
	Inbound    *webhook.InboundVerifier
	// Limiter is optional; nil disables inbound rate limiting
	Limiter *ratelimit.Limiter
	// Health reports backing store and queue reachability; nil means always healthy
	Health func(ctx context.Context) error
}

// APIServer represents the main API server
type APIServer struct {
	config           *config.Config
	router           *gin.Engine
	services         *Services
	jwtAuthenticator *middleware.JWTAuthenticator
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, services *Services) *APIServer {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware in order
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &APIServer{
		config:           cfg,
		router:           router,
		services:         services,
		jwtAuthenticator: middleware.NewJWTAuthenticator(&cfg.JWT),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", monitoring.GinHandler())

	// Management API, scoped to the authenticated user
	v1 := s.router.Group("/api/v1")
	{
		webhooks := v1.Group("/webhooks")
		webhooks.Use(s.jwtAuthenticator.JWTAuth())
		{
			webhooks.GET("", s.handleListWebhooks)
			webhooks.POST("", s.handleCreateWebhook)
			webhooks.GET("/:id", s.handleGetWebhook)
			webhooks.PUT("/:id", s.handleUpdateWebhook)
			webhooks.DELETE("/:id", s.handleDeleteWebhook)
			webhooks.POST("/:id/rotate-secret", s.handleRotateSecret)
			webhooks.GET("/:id/logs", s.handleDeliveryLogs)
			webhooks.POST("/:id/test", s.handleTestWebhook)
		}
	}

	// Publish surface for platform services
	internal := s.router.Group("/internal/v1")
	internal.Use(middleware.InternalToken(s.config.Webhook.InternalToken))
	{
		internal.POST("/events", s.handlePublishEvent)
	}

	// Callbacks from third parties
	s.router.POST("/webhooks/:userId/:webhookId", s.handleInboundWebhook)
}

func (s *APIServer) healthCheck(c *gin.Context) {
	if s.services.Health != nil {
		if err := s.services.Health(c.Request.Context()); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": "webhooks",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "webhooks",
	})
}

// respondError sends an error response
func respondError(c *gin.Context, err *apierrors.APIError) {
	c.JSON(err.HTTPStatus, apierrors.NewErrorResponse(
		err,
		middleware.GetRequestIDFromContext(c),
		middleware.GetCorrelationIDFromContext(c),
		c.Request.URL.Path,
		c.Request.Method,
	))
}

// mapError converts a service error to its API error
func mapError(c *gin.Context, operation string, err error) *apierrors.APIError {
	var verr *webhook.ValidationError
	switch {
	case errors.As(err, &verr):
		return apierrors.NewValidationError(verr.Fields)
	case errors.Is(err, webhook.ErrEndpointNotFound):
		return apierrors.ErrWebhookNotFoundError
	case errors.Is(err, webhook.ErrSignatureMissing):
		return apierrors.ErrSignatureMissingError
	case errors.Is(err, webhook.ErrSignatureMismatch):
		return apierrors.ErrSignatureMismatchError
	case errors.Is(err, webhook.ErrInvalidPayload):
		return apierrors.NewInvalidPayloadError(err.Error())
	}
	logging.LogError(err, middleware.GetRequestIDFromContext(c), "server", operation)
	return apierrors.ErrInternalServerError
}
