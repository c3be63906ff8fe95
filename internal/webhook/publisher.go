package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nexuscomm/webhooks/internal/models"
	"github.com/nexuscomm/webhooks/internal/monitoring"
	"github.com/nexuscomm/webhooks/internal/queue"
	"github.com/rs/zerolog/log"
)

// Publisher fans integration events out to subscribed endpoints
type Publisher struct {
	registry *Registry
	queue    queue.Queue
	now      func() time.Time
}

// NewPublisher creates a publisher enqueuing deliveries on q
func NewPublisher(registry *Registry, q queue.Queue) *Publisher {
	return &Publisher{
		registry: registry,
		queue:    q,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish enqueues one delivery per subscribed endpoint and returns their ids
// without waiting for any of them. An event with no type or user, or with no
// subscribers, is a no-op. Only infrastructure failures are returned.
func (p *Publisher) Publish(ctx context.Context, ev *models.IntegrationEvent) ([]uuid.UUID, error) {
	if strings.TrimSpace(ev.EventType) == "" || strings.TrimSpace(ev.UserID) == "" {
		return nil, nil
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = p.now()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage("{}")
	}

	endpoints, err := p.registry.FindSubscribed(ctx, ev.UserID, ev.EventType)
	if err != nil {
		return nil, fmt.Errorf("failed to find subscribed endpoints: %w", err)
	}

	matched := make([]uuid.UUID, 0, len(endpoints))
	seen := make(map[uuid.UUID]struct{}, len(endpoints))
	for _, ep := range endpoints {
		if _, dup := seen[ep.ID]; dup {
			continue
		}
		seen[ep.ID] = struct{}{}

		if err := p.queue.Enqueue(ctx, queue.NewJob(ep.ID, *ev), 0); err != nil {
			return matched, fmt.Errorf("failed to enqueue delivery for %s: %w", ep.ID, err)
		}
		matched = append(matched, ep.ID)
	}

	monitoring.RecordEventPublished(len(matched) > 0)
	log.Info().
		Str("event_id", ev.ID.String()).
		Str("event_type", ev.EventType).
		Str("user_id", ev.UserID).
		Int("endpoints", len(matched)).
		Msg("Integration event published")
	return matched, nil
}
