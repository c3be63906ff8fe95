package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nexuscomm/webhooks/internal/models"
	"github.com/rs/zerolog/log"
)

// Endpoint limits
const (
	MaxRetriesLimit     = 10
	MinTimeoutSeconds   = 1
	MaxTimeoutSeconds   = 120
	MinSecretLength     = 16
	generatedSecretSize = 32
)

// CreateEndpointRequest represents a request to register a webhook endpoint
type CreateEndpointRequest struct {
	URL            string   `json:"url"`
	Events         []string `json:"events"`
	Secret         *string  `json:"secret,omitempty"`
	IsActive       *bool    `json:"is_active,omitempty"`
	VerifySSL      *bool    `json:"verify_ssl,omitempty"`
	MaxRetries     *int     `json:"max_retries,omitempty"`
	TimeoutSeconds *int     `json:"timeout_seconds,omitempty"`
}

// UpdateEndpointRequest is a partial update; nil fields are left unchanged.
// The secret is changed only through RotateSecret.
type UpdateEndpointRequest struct {
	URL            *string  `json:"url,omitempty"`
	Events         []string `json:"events,omitempty"`
	IsActive       *bool    `json:"is_active,omitempty"`
	VerifySSL      *bool    `json:"verify_ssl,omitempty"`
	MaxRetries     *int     `json:"max_retries,omitempty"`
	TimeoutSeconds *int     `json:"timeout_seconds,omitempty"`
}

// Registry owns webhook endpoint records. It is the only writer of endpoints.
type Registry struct {
	store     EndpointStore
	lifecycle *Lifecycle
	now       func() time.Time
	onDelete  []func(id uuid.UUID)
}

// NewRegistry creates a registry over a store. lifecycle may be nil when no
// in-process deliveries need cancelling.
func NewRegistry(store EndpointStore, lifecycle *Lifecycle) *Registry {
	if lifecycle == nil {
		lifecycle = NewLifecycle()
	}
	return &Registry{
		store:     store,
		lifecycle: lifecycle,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Lifecycle returns the tracker used to cancel deliveries
func (r *Registry) Lifecycle() *Lifecycle {
	return r.lifecycle
}

// OnDelete registers fn to run after an endpoint is deleted. Register hooks
// before serving requests.
func (r *Registry) OnDelete(fn func(id uuid.UUID)) {
	r.onDelete = append(r.onDelete, fn)
}

// Create validates and stores a new endpoint. The returned endpoint carries
// the secret; it is not exposed again except through RotateSecret.
func (r *Registry) Create(ctx context.Context, userID string, req *CreateEndpointRequest) (*models.WebhookEndpoint, error) {
	verr := &ValidationError{}
	if strings.TrimSpace(userID) == "" {
		verr.add("user_id", "is required")
	}
	validateURL(verr, req.URL)
	events := normalizeEvents(verr, req.Events)

	ep := &models.WebhookEndpoint{
		ID:             uuid.New(),
		UserID:         userID,
		URL:            strings.TrimSpace(req.URL),
		Events:         events,
		IsActive:       true,
		VerifySSL:      true,
		MaxRetries:     models.DefaultMaxRetries,
		TimeoutSeconds: models.DefaultTimeoutSeconds,
	}
	if req.IsActive != nil {
		ep.IsActive = *req.IsActive
	}
	if req.VerifySSL != nil {
		ep.VerifySSL = *req.VerifySSL
	}
	if req.MaxRetries != nil {
		ep.MaxRetries = *req.MaxRetries
	}
	if req.TimeoutSeconds != nil {
		ep.TimeoutSeconds = *req.TimeoutSeconds
	}
	validateLimits(verr, ep)

	if req.Secret != nil && *req.Secret != "" {
		if len(*req.Secret) < MinSecretLength {
			verr.add("secret", fmt.Sprintf("must be at least %d characters", MinSecretLength))
		}
		ep.Secret = *req.Secret
	}
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	if ep.Secret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return nil, err
		}
		ep.Secret = secret
	}

	now := r.now()
	ep.CreatedAt = now
	ep.UpdatedAt = now
	if err := r.store.Create(ctx, ep); err != nil {
		return nil, err
	}

	log.Info().
		Str("webhook_id", ep.ID.String()).
		Str("user_id", userID).
		Strs("events", ep.Events).
		Msg("Webhook endpoint created")
	return ep, nil
}

// Update applies a partial update to an endpoint owned by userID.
// Deactivating an endpoint cancels its running deliveries.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, userID string, req *UpdateEndpointRequest) (*models.WebhookEndpoint, error) {
	ep, err := r.store.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	wasActive := ep.IsActive

	verr := &ValidationError{}
	if req.URL != nil {
		validateURL(verr, *req.URL)
		ep.URL = strings.TrimSpace(*req.URL)
	}
	if req.Events != nil {
		ep.Events = normalizeEvents(verr, req.Events)
	}
	if req.IsActive != nil {
		ep.IsActive = *req.IsActive
	}
	if req.VerifySSL != nil {
		ep.VerifySSL = *req.VerifySSL
	}
	if req.MaxRetries != nil {
		ep.MaxRetries = *req.MaxRetries
	}
	if req.TimeoutSeconds != nil {
		ep.TimeoutSeconds = *req.TimeoutSeconds
	}
	validateLimits(verr, ep)
	if err := verr.orNil(); err != nil {
		return nil, err
	}

	ep.UpdatedAt = r.now()
	if err := r.store.Update(ctx, ep); err != nil {
		return nil, err
	}

	if wasActive && !ep.IsActive {
		n := r.lifecycle.Cancel(ep.ID)
		log.Info().
			Str("webhook_id", ep.ID.String()).
			Int("cancelled_runs", n).
			Msg("Webhook endpoint deactivated")
	}
	return ep, nil
}

// Delete removes an endpoint and cancels its running deliveries.
// Delivery logs are kept.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID, userID string) error {
	if err := r.store.Delete(ctx, id, userID); err != nil {
		return err
	}
	n := r.lifecycle.Cancel(id)
	for _, fn := range r.onDelete {
		fn(id)
	}
	log.Info().
		Str("webhook_id", id.String()).
		Str("user_id", userID).
		Int("cancelled_runs", n).
		Msg("Webhook endpoint deleted")
	return nil
}

// Get returns an endpoint owned by userID
func (r *Registry) Get(ctx context.Context, id uuid.UUID, userID string) (*models.WebhookEndpoint, error) {
	return r.store.Get(ctx, id, userID)
}

// ListForUser returns every endpoint of a user, oldest first
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]*models.WebhookEndpoint, error) {
	return r.store.ListByUser(ctx, userID)
}

// FindSubscribed returns the active endpoints of a user listening for eventType
func (r *Registry) FindSubscribed(ctx context.Context, userID, eventType string) ([]*models.WebhookEndpoint, error) {
	return r.store.ListSubscribed(ctx, userID, eventType)
}

// RotateSecret replaces an endpoint's secret and returns the endpoint with the
// new secret
func (r *Registry) RotateSecret(ctx context.Context, id uuid.UUID, userID string) (*models.WebhookEndpoint, error) {
	ep, err := r.store.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	ep.Secret = secret
	ep.UpdatedAt = r.now()
	if err := r.store.Update(ctx, ep); err != nil {
		return nil, err
	}

	log.Info().
		Str("webhook_id", ep.ID.String()).
		Str("user_id", userID).
		Msg("Webhook secret rotated")
	return ep, nil
}

// GenerateSecret returns 32 random bytes, hex encoded
func GenerateSecret() (string, error) {
	b := make([]byte, generatedSecretSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func validateURL(verr *ValidationError, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		verr.add("url", "is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		verr.add("url", "must be an absolute URL")
		return
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		verr.add("url", "scheme must be http or https")
	}
}

// normalizeEvents trims and dedupes event types, keeping first-seen order
func normalizeEvents(verr *ValidationError, events []string) []string {
	if len(events) == 0 {
		verr.add("events", "must contain at least one event type")
		return nil
	}
	seen := make(map[string]struct{}, len(events))
	result := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" {
			verr.add("events", "must not contain blank event types")
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		result = append(result, e)
	}
	return result
}

func validateLimits(verr *ValidationError, ep *models.WebhookEndpoint) {
	if ep.MaxRetries < 0 || ep.MaxRetries > MaxRetriesLimit {
		verr.add("max_retries", fmt.Sprintf("must be between 0 and %d", MaxRetriesLimit))
	}
	if ep.TimeoutSeconds < MinTimeoutSeconds || ep.TimeoutSeconds > MaxTimeoutSeconds {
		verr.add("timeout_seconds", fmt.Sprintf("must be between %d and %d", MinTimeoutSeconds, MaxTimeoutSeconds))
	}
}
