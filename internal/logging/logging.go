package logging

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nexuscomm/webhooks/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup initializes the global logger based on configuration
func Setup(cfg *config.LoggingConfig, env string) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer
	if cfg.Format == "json" || env == "production" {
		output = os.Stdout
	} else {
		// Pretty console output for development
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Str("service", "nexuscomm-webhooks").
		Logger()
}

// NewLogger creates a new logger with additional context
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// RequestLogger is a Gin middleware for structured request logging
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		requestID := c.GetString("request_id")

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", raw).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Int("body_size", c.Writer.Size()).
			Msg("HTTP request")
	}
}

// DeliveryLogEntry represents a structured log entry for one outbound attempt
type DeliveryLogEntry struct {
	WebhookID      string
	EventID        string
	EventType      string
	UserID         string
	Attempt        int
	ResponseStatus int
	Latency        time.Duration
	Successful     bool
	Error          string
}

// LogDeliveryAttempt logs an outbound webhook attempt
func LogDeliveryAttempt(entry *DeliveryLogEntry) {
	event := log.Info()
	if !entry.Successful {
		event = log.Warn()
	}

	event.
		Str("webhook_id", entry.WebhookID).
		Str("event_id", entry.EventID).
		Str("event_type", entry.EventType).
		Str("user_id", entry.UserID).
		Int("attempt", entry.Attempt).
		Int("response_status", entry.ResponseStatus).
		Dur("latency", entry.Latency).
		Bool("successful", entry.Successful).
		Str("error", entry.Error).
		Msg("Webhook delivery attempt")
}

// LogDeliveryOutcome logs the terminal state of a delivery
func LogDeliveryOutcome(webhookID, eventID, status string, attempts int) {
	event := log.Info()
	if status != "delivered" {
		event = log.Warn()
	}
	event.
		Str("webhook_id", webhookID).
		Str("event_id", eventID).
		Str("status", status).
		Int("attempts", attempts).
		Msg("Webhook delivery finished")
}

// LogSecurityEvent logs security-related events
func LogSecurityEvent(eventType, userID, clientIP, details string) {
	log.Warn().
		Str("event_type", eventType).
		Str("user_id", userID).
		Str("client_ip", clientIP).
		Str("details", details).
		Msg("Security event")
}

// LogError logs an error with context
func LogError(err error, requestID, component, operation string) {
	log.Error().
		Err(err).
		Str("request_id", requestID).
		Str("component", component).
		Str("operation", operation).
		Msg("Error occurred")
}

// SanitizeForLog truncates untrusted strings before they reach logs or storage
func SanitizeForLog(data string, maxLen int) string {
	if len(data) > maxLen {
		return data[:maxLen] + "...[truncated]"
	}
	return data
}
