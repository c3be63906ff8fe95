package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/nexuscomm/webhooks/internal/models"
)

// SQLiteSchema creates the tables used by SQLiteStore. Timestamps are unix
// nanoseconds and the event set is a JSON array.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS webhook_endpoints (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	url TEXT NOT NULL,
	events TEXT NOT NULL,
	secret TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1,
	verify_ssl INTEGER NOT NULL DEFAULT 1,
	max_retries INTEGER NOT NULL DEFAULT 3,
	timeout_seconds INTEGER NOT NULL DEFAULT 30,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_user ON webhook_endpoints (user_id);

CREATE TABLE IF NOT EXISTS webhook_logs (
	id TEXT PRIMARY KEY,
	webhook_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	attempt_number INTEGER NOT NULL,
	response_status INTEGER,
	response_time_ms INTEGER,
	is_successful INTEGER NOT NULL,
	error_message TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE (webhook_id, event_id, attempt_number)
);
CREATE INDEX IF NOT EXISTS idx_webhook_logs_webhook_created ON webhook_logs (webhook_id, created_at);
`

const sqliteEndpointColumns = `id, user_id, url, events, secret, is_active, verify_ssl,
	max_retries, timeout_seconds, created_at, updated_at`

// SQLiteStore persists endpoints and delivery logs in SQLite
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an open database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate creates the schema if it does not exist
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, ep *models.WebhookEndpoint) error {
	events, err := json.Marshal(ep.Events)
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (`+sqliteEndpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ep.ID.String(), ep.UserID, ep.URL, string(events), ep.Secret, ep.IsActive, ep.VerifySSL,
		ep.MaxRetries, ep.TimeoutSeconds, ep.CreatedAt.UnixNano(), ep.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create webhook endpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, ep *models.WebhookEndpoint) error {
	events, err := json.Marshal(ep.Events)
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_endpoints
		SET url = ?, events = ?, secret = ?, is_active = ?, verify_ssl = ?,
			max_retries = ?, timeout_seconds = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, ep.URL, string(events), ep.Secret, ep.IsActive, ep.VerifySSL,
		ep.MaxRetries, ep.TimeoutSeconds, ep.UpdatedAt.UnixNano(), ep.ID.String(), ep.UserID)
	if err != nil {
		return fmt.Errorf("failed to update webhook endpoint: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE id = ? AND user_id = ?`, id.String(), userID)
	if err != nil {
		return fmt.Errorf("failed to delete webhook endpoint: %w", err)
	}
	return requireAffected(res)
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID, userID string) (*models.WebhookEndpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteEndpointColumns+` FROM webhook_endpoints WHERE id = ? AND user_id = ?`, id.String(), userID)
	return scanSQLiteEndpoint(row)
}

func (s *SQLiteStore) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEndpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteEndpointColumns+` FROM webhook_endpoints WHERE id = ?`, id.String())
	return scanSQLiteEndpoint(row)
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]*models.WebhookEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteEndpointColumns+`
		FROM webhook_endpoints
		WHERE user_id = ?
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook endpoints: %w", err)
	}
	return collectSQLiteEndpoints(rows)
}

func (s *SQLiteStore) ListSubscribed(ctx context.Context, userID, eventType string) ([]*models.WebhookEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteEndpointColumns+`
		FROM webhook_endpoints
		WHERE user_id = ? AND is_active = 1
			AND EXISTS (SELECT 1 FROM json_each(webhook_endpoints.events) WHERE json_each.value = ?)
		ORDER BY created_at
	`, userID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to find subscribed endpoints: %w", err)
	}
	return collectSQLiteEndpoints(rows)
}

func (s *SQLiteStore) Append(ctx context.Context, a *models.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_logs (id, webhook_id, event_id, event_type, payload, attempt_number,
			response_status, response_time_ms, is_successful, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID.String(), a.WebhookID.String(), a.EventID.String(), a.EventType, []byte(a.Payload), a.AttemptNumber,
		a.ResponseStatus, a.ResponseTimeMs, a.IsSuccessful, a.ErrorMessage, a.CreatedAt.UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrDuplicateAttempt
		}
		return fmt.Errorf("failed to append delivery attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListByWebhook(ctx context.Context, webhookID uuid.UUID, filter LogFilter) ([]*models.DeliveryAttempt, error) {
	conds := []string{"webhook_id = ?"}
	args := []any{webhookID.String()}
	if filter.EventID != uuid.Nil {
		conds = append(conds, "event_id = ?")
		args = append(args, filter.EventID.String())
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.Until.UnixNano())
	}
	query := `
		SELECT id, webhook_id, event_id, event_type, payload, attempt_number,
			response_status, response_time_ms, is_successful, error_message, created_at
		FROM webhook_logs
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY created_at DESC, attempt_number DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	defer rows.Close()

	result := make([]*models.DeliveryAttempt, 0)
	for rows.Next() {
		var (
			a                  models.DeliveryAttempt
			id, webhook, event string
			payload            []byte
			status             sql.NullInt64
			responseTime       sql.NullInt64
			errMsg             sql.NullString
			createdAt          int64
		)
		if err := rows.Scan(&id, &webhook, &event, &a.EventType, &payload, &a.AttemptNumber,
			&status, &responseTime, &a.IsSuccessful, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("failed to parse attempt id: %w", err)
		}
		if a.WebhookID, err = uuid.Parse(webhook); err != nil {
			return nil, fmt.Errorf("failed to parse webhook id: %w", err)
		}
		if a.EventID, err = uuid.Parse(event); err != nil {
			return nil, fmt.Errorf("failed to parse event id: %w", err)
		}
		a.Payload = payload
		if status.Valid {
			v := int(status.Int64)
			a.ResponseStatus = &v
		}
		if responseTime.Valid {
			v := responseTime.Int64
			a.ResponseTimeMs = &v
		}
		if errMsg.Valid {
			v := errMsg.String
			a.ErrorMessage = &v
		}
		a.CreatedAt = time.Unix(0, createdAt).UTC()
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery attempts: %w", err)
	}
	return result, nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEndpoint(row sqlScanner) (*models.WebhookEndpoint, error) {
	var (
		ep                   models.WebhookEndpoint
		id, events           string
		createdAt, updatedAt int64
	)
	err := row.Scan(&id, &ep.UserID, &ep.URL, &events, &ep.Secret, &ep.IsActive, &ep.VerifySSL,
		&ep.MaxRetries, &ep.TimeoutSeconds, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEndpointNotFound
		}
		return nil, fmt.Errorf("failed to get webhook endpoint: %w", err)
	}
	if ep.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("failed to parse endpoint id: %w", err)
	}
	if err := json.Unmarshal([]byte(events), &ep.Events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	ep.CreatedAt = time.Unix(0, createdAt).UTC()
	ep.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &ep, nil
}

func collectSQLiteEndpoints(rows *sql.Rows) ([]*models.WebhookEndpoint, error) {
	defer rows.Close()
	result := make([]*models.WebhookEndpoint, 0)
	for rows.Next() {
		ep, err := scanSQLiteEndpoint(rows)
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

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrEndpointNotFound
	}
	return nil
}
