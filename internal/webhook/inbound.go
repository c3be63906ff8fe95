package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/nexuscomm/webhooks/internal/models"
	"github.com/nexuscomm/webhooks/internal/monitoring"
	"github.com/rs/zerolog/log"
)

// bodySignatureField is the top-level body field some providers use instead
// of the signature header
const bodySignatureField = "signature"

// InboundMessage is an accepted callback
type InboundMessage struct {
	UserID     string          `json:"user_id"`
	WebhookID  uuid.UUID       `json:"webhook_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Signed     bool            `json:"signed"`
	ReceivedAt time.Time       `json:"received_at"`
}

// InboundHandler processes accepted callbacks
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg *InboundMessage) error
}

// InboundHandlerFunc adapts a function to InboundHandler
type InboundHandlerFunc func(ctx context.Context, msg *InboundMessage) error

func (f InboundHandlerFunc) HandleInbound(ctx context.Context, msg *InboundMessage) error {
	return f(ctx, msg)
}

// LogInboundHandler records accepted callbacks in the structured log
var LogInboundHandler = InboundHandlerFunc(func(ctx context.Context, msg *InboundMessage) error {
	log.Info().
		Str("user_id", msg.UserID).
		Str("webhook_id", msg.WebhookID.String()).
		Str("event_type", msg.EventType).
		Bool("signed", msg.Signed).
		Int("payload_size", len(msg.Payload)).
		Msg("Inbound webhook accepted")
	return nil
})

// InboundVerifier authenticates callbacks addressed to a registered endpoint
type InboundVerifier struct {
	store   EndpointStore
	handler InboundHandler
	now     func() time.Time
}

// NewInboundVerifier creates a verifier; a nil handler logs accepted callbacks
func NewInboundVerifier(store EndpointStore, handler InboundHandler) *InboundVerifier {
	if handler == nil {
		handler = LogInboundHandler
	}
	return &InboundVerifier{
		store:   store,
		handler: handler,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// VerifyInbound checks a callback for the endpoint webhookID of userID.
// The signature comes from the header, or failing that from a top-level
// "signature" body field, which is removed before canonicalization. An
// endpoint with a secret never accepts an unsigned callback.
func (v *InboundVerifier) VerifyInbound(ctx context.Context, userID, webhookID string, raw []byte, signature string) (*InboundMessage, error) {
	id, err := uuid.Parse(webhookID)
	if err != nil {
		monitoring.RecordInboundVerification("not_found")
		return nil, ErrEndpointNotFound
	}
	ep, err := v.store.Get(ctx, id, userID)
	if err != nil {
		monitoring.RecordInboundVerification("not_found")
		return nil, err
	}

	body, err := decodeObject(raw)
	if err != nil {
		monitoring.RecordInboundVerification("invalid")
		return nil, err
	}
	if signature == "" {
		if s, ok := body[bodySignatureField].(string); ok {
			signature = s
			delete(body, bodySignatureField)
		}
	}

	canonical, err := encodeCanonical(body)
	if err != nil {
		monitoring.RecordInboundVerification("invalid")
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if ep.HasSecret() {
		if signature == "" {
			monitoring.RecordInboundVerification("missing_signature")
			log.Warn().Str("webhook_id", ep.ID.String()).Str("user_id", userID).Msg("Inbound webhook without signature rejected")
			return nil, ErrSignatureMissing
		}
		if !VerifyBytes(ep.Secret, canonical, signature) {
			monitoring.RecordInboundVerification("mismatch")
			log.Warn().Str("webhook_id", ep.ID.String()).Str("user_id", userID).Msg("Inbound webhook signature mismatch")
			return nil, ErrSignatureMismatch
		}
	}

	msg := &InboundMessage{
		UserID:     userID,
		WebhookID:  ep.ID,
		EventType:  ClassifyInbound(body),
		Payload:    canonical,
		Signed:     ep.HasSecret(),
		ReceivedAt: v.now(),
	}
	if err := v.handler.HandleInbound(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to handle inbound webhook: %w", err)
	}
	monitoring.RecordInboundVerification("accepted")
	return msg, nil
}

// ClassifyInbound labels a callback by its "event" field, else its "action"
// field, else as unknown
func ClassifyInbound(body map[string]any) string {
	for _, key := range []string{"event", "action"} {
		if s, ok := body[key].(string); ok && s != "" {
			return s
		}
	}
	return models.InboundUnknownEventLabel
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrInvalidPayload)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrInvalidPayload)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrInvalidPayload)
	}
	return body, nil
}
