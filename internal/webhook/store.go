package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexuscomm/webhooks/internal/models"
)

// EndpointStore persists webhook endpoints. Get, Update and Delete are scoped
// to the owning user; GetByID is for delivery workers, which act on behalf of
// the owner recorded on a queued job.
type EndpointStore interface {
	Create(ctx context.Context, ep *models.WebhookEndpoint) error
	Update(ctx context.Context, ep *models.WebhookEndpoint) error
	Delete(ctx context.Context, id uuid.UUID, userID string) error
	Get(ctx context.Context, id uuid.UUID, userID string) (*models.WebhookEndpoint, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEndpoint, error)
	ListByUser(ctx context.Context, userID string) ([]*models.WebhookEndpoint, error)
	ListSubscribed(ctx context.Context, userID, eventType string) ([]*models.WebhookEndpoint, error)
}

// LogFilter narrows a delivery log query. Zero values mean "no bound".
type LogFilter struct {
	EventID uuid.UUID
	Since   time.Time
	Until   time.Time
	Limit   int
}

// DeliveryLog is the append-only record of delivery attempts.
// Append must be safe for concurrent callers and rejects a second record for
// the same (webhook, event, attempt) with ErrDuplicateAttempt.
type DeliveryLog interface {
	Append(ctx context.Context, attempt *models.DeliveryAttempt) error
	ListByWebhook(ctx context.Context, webhookID uuid.UUID, filter LogFilter) ([]*models.DeliveryAttempt, error)
}

// Store is a backend providing both repositories
type Store interface {
	EndpointStore
	DeliveryLog
}

type attemptKey struct {
	webhookID uuid.UUID
	eventID   uuid.UUID
	attempt   int
}

// MemoryStore keeps endpoints and logs in process memory
type MemoryStore struct {
	mu        sync.RWMutex
	endpoints map[uuid.UUID]*models.WebhookEndpoint
	logs      []*models.DeliveryAttempt
	seen      map[attemptKey]struct{}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints: make(map[uuid.UUID]*models.WebhookEndpoint),
		seen:      make(map[attemptKey]struct{}),
	}
}

func (s *MemoryStore) Create(ctx context.Context, ep *models.WebhookEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, ep *models.WebhookEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.endpoints[ep.ID]
	if !ok || existing.UserID != ep.UserID {
		return ErrEndpointNotFound
	}
	s.endpoints[ep.ID] = ep.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.endpoints[id]
	if !ok || existing.UserID != userID {
		return ErrEndpointNotFound
	}
	delete(s.endpoints, id)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID, userID string) (*models.WebhookEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok || ep.UserID != userID {
		return nil, ErrEndpointNotFound
	}
	return ep.Clone(), nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	return ep.Clone(), nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*models.WebhookEndpoint, error) {
	return s.list(func(ep *models.WebhookEndpoint) bool { return ep.UserID == userID }), nil
}

func (s *MemoryStore) ListSubscribed(ctx context.Context, userID, eventType string) ([]*models.WebhookEndpoint, error) {
	return s.list(func(ep *models.WebhookEndpoint) bool {
		return ep.UserID == userID && ep.IsActive && ep.Subscribes(eventType)
	}), nil
}

func (s *MemoryStore) list(match func(*models.WebhookEndpoint) bool) []*models.WebhookEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.WebhookEndpoint, 0)
	for _, ep := range s.endpoints {
		if match(ep) {
			result = append(result, ep.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (s *MemoryStore) Append(ctx context.Context, attempt *models.DeliveryAttempt) error {
	key := attemptKey{attempt.WebhookID, attempt.EventID, attempt.AttemptNumber}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[key]; dup {
		return ErrDuplicateAttempt
	}
	s.seen[key] = struct{}{}
	cp := *attempt
	s.logs = append(s.logs, &cp)
	return nil
}

// ListByWebhook returns attempts newest first
func (s *MemoryStore) ListByWebhook(ctx context.Context, webhookID uuid.UUID, filter LogFilter) ([]*models.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.DeliveryAttempt, 0)
	for i := len(s.logs) - 1; i >= 0; i-- {
		a := s.logs[i]
		if a.WebhookID != webhookID {
			continue
		}
		if filter.EventID != uuid.Nil && a.EventID != filter.EventID {
			continue
		}
		if !filter.Since.IsZero() && a.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && a.CreatedAt.After(filter.Until) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}
