package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexuscomm/webhooks/internal/models"
)

const pgUniqueViolation = "23505"

const endpointColumns = `id, user_id, url, events, secret, is_active, verify_ssl,
	max_retries, timeout_seconds, created_at, updated_at`

// PostgresStore persists endpoints and delivery logs in PostgreSQL
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store on an existing pool
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, ep *models.WebhookEndpoint) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO webhook_endpoints (`+endpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ep.ID, ep.UserID, ep.URL, ep.Events, ep.Secret, ep.IsActive, ep.VerifySSL,
		ep.MaxRetries, ep.TimeoutSeconds, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create webhook endpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, ep *models.WebhookEndpoint) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE webhook_endpoints
		SET url = $3, events = $4, secret = $5, is_active = $6, verify_ssl = $7,
			max_retries = $8, timeout_seconds = $9, updated_at = $10
		WHERE id = $1 AND user_id = $2
	`, ep.ID, ep.UserID, ep.URL, ep.Events, ep.Secret, ep.IsActive, ep.VerifySSL,
		ep.MaxRetries, ep.TimeoutSeconds, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID, userID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM webhook_endpoints WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID, userID string) (*models.WebhookEndpoint, error) {
	row := s.db.QueryRow(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1 AND user_id = $2`, id, userID)
	return scanEndpoint(row)
}

func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEndpoint, error) {
	row := s.db.QueryRow(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id)
	return scanEndpoint(row)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*models.WebhookEndpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook endpoints: %w", err)
	}
	return collectEndpoints(rows)
}

func (s *PostgresStore) ListSubscribed(ctx context.Context, userID, eventType string) ([]*models.WebhookEndpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+endpointColumns+`
		FROM webhook_endpoints
		WHERE user_id = $1 AND is_active AND events @> ARRAY[$2]::TEXT[]
		ORDER BY created_at
	`, userID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to find subscribed endpoints: %w", err)
	}
	return collectEndpoints(rows)
}

func (s *PostgresStore) Append(ctx context.Context, a *models.DeliveryAttempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO webhook_logs (id, webhook_id, event_id, event_type, payload, attempt_number,
			response_status, response_time_ms, is_successful, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.WebhookID, a.EventID, a.EventType, []byte(a.Payload), a.AttemptNumber,
		a.ResponseStatus, a.ResponseTimeMs, a.IsSuccessful, a.ErrorMessage, a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateAttempt
		}
		return fmt.Errorf("failed to append delivery attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByWebhook(ctx context.Context, webhookID uuid.UUID, filter LogFilter) ([]*models.DeliveryAttempt, error) {
	conds := []string{"webhook_id = $1"}
	args := []any{webhookID}
	if filter.EventID != uuid.Nil {
		args = append(args, filter.EventID)
		conds = append(conds, fmt.Sprintf("event_id = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	query := `
		SELECT id, webhook_id, event_id, event_type, payload, attempt_number,
			response_status, response_time_ms, is_successful, error_message, created_at
		FROM webhook_logs
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY created_at DESC, attempt_number DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	defer rows.Close()

	result := make([]*models.DeliveryAttempt, 0)
	for rows.Next() {
		var a models.DeliveryAttempt
		var payload []byte
		if err := rows.Scan(&a.ID, &a.WebhookID, &a.EventID, &a.EventType, &payload, &a.AttemptNumber,
			&a.ResponseStatus, &a.ResponseTimeMs, &a.IsSuccessful, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		a.Payload = payload
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery attempts: %w", err)
	}
	return result, nil
}

func scanEndpoint(row pgx.Row) (*models.WebhookEndpoint, error) {
	var ep models.WebhookEndpoint
	err := row.Scan(&ep.ID, &ep.UserID, &ep.URL, &ep.Events, &ep.Secret, &ep.IsActive, &ep.VerifySSL,
		&ep.MaxRetries, &ep.TimeoutSeconds, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEndpointNotFound
		}
		return nil, fmt.Errorf("failed to get webhook endpoint: %w", err)
	}
	ep.CreatedAt = ep.CreatedAt.UTC()
	ep.UpdatedAt = ep.UpdatedAt.UTC()
	return &ep, nil
}

func collectEndpoints(rows pgx.Rows) ([]*models.WebhookEndpoint, error) {
	defer rows.Close()
	result := make([]*models.WebhookEndpoint, 0)
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhook endpoints: %w", err)
	}
	return result, nil
}
