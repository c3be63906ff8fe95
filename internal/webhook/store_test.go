package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexuscomm/webhooks/internal/database"
	"github.com/nexuscomm/webhooks/internal/models"
	"github.com/nexuscomm/webhooks/migrations"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		testDB, err = pgxpool.New(ctx, dbURL)
		if err != nil {
			fmt.Printf("Warning: Failed to connect to test database: %v\n", err)
			testDB = nil
		} else if err := testDB.Ping(ctx); err != nil {
			fmt.Printf("Warning: Failed to ping test database: %v\n", err)
			testDB.Close()
			testDB = nil
		} else if err := database.RunMigrations(dbURL, migrations.FS, "."); err != nil {
			fmt.Printf("Warning: Failed to migrate test database: %v\n", err)
			testDB.Close()
			testDB = nil
		}
		cancel()
	}

	code := m.Run()

	if testDB != nil {
		testDB.Close()
	}
	os.Exit(code)
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := NewSQLiteStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return store
}

// storeBackends returns every backend available in this environment
func storeBackends(t *testing.T) map[string]func(t *testing.T) Store {
	backends := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
	}
	if testDB != nil {
		backends["postgres"] = func(t *testing.T) Store {
			ctx := context.Background()
			if _, err := testDB.Exec(ctx, "TRUNCATE webhook_endpoints, webhook_logs"); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			return NewPostgresStore(testDB)
		}
	}
	return backends
}

func testEndpoint(userID string, created time.Time, events ...string) *models.WebhookEndpoint {
	return &models.WebhookEndpoint{
		ID:             uuid.New(),
		UserID:         userID,
		URL:            "https://example.com/hook",
		Events:         events,
		Secret:         "0123456789abcdef0123456789abcdef",
		IsActive:       true,
		VerifySSL:      true,
		MaxRetries:     3,
		TimeoutSeconds: 30,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func testAttempt(webhookID, eventID uuid.UUID, n int, created time.Time, ok bool) *models.DeliveryAttempt {
	a := &models.DeliveryAttempt{
		ID:            uuid.New(),
		WebhookID:     webhookID,
		EventID:       eventID,
		EventType:     models.EventContactCreated,
		Payload:       json.RawMessage(`{"data":{},"event":"contact_created"}`),
		AttemptNumber: n,
		IsSuccessful:  ok,
		CreatedAt:     created,
	}
	ms := int64(12)
	a.ResponseTimeMs = &ms
	if ok {
		status := 200
		a.ResponseStatus = &status
	} else {
		msg := "HTTP 500"
		status := 500
		a.ResponseStatus = &status
		a.ErrorMessage = &msg
	}
	return a
}

func TestStore_EndpointCRUD(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

			ep := testEndpoint("user-a", base, models.EventContactCreated, models.EventMessageSent)
			if err := store.Create(ctx, ep); err != nil {
				t.Fatalf("Create() error = %v", err)
			}

			got, err := store.Get(ctx, ep.ID, "user-a")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.URL != ep.URL || got.Secret != ep.Secret || len(got.Events) != 2 || !got.CreatedAt.Equal(base) {
				t.Errorf("Get() = %+v, want %+v", got, ep)
			}

			if _, err := store.Get(ctx, ep.ID, "user-b"); !errors.Is(err, ErrEndpointNotFound) {
				t.Errorf("Get() by another user error = %v, want ErrEndpointNotFound", err)
			}
			if _, err := store.GetByID(ctx, ep.ID); err != nil {
				t.Errorf("GetByID() error = %v", err)
			}

			got.URL = "https://example.com/other"
			got.IsActive = false
			if err := store.Update(ctx, got); err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			again, _ := store.Get(ctx, ep.ID, "user-a")
			if again.URL != "https://example.com/other" || again.IsActive {
				t.Errorf("Update() not persisted: %+v", again)
			}

			got.UserID = "user-b"
			if err := store.Update(ctx, got); !errors.Is(err, ErrEndpointNotFound) {
				t.Errorf("Update() by another user error = %v, want ErrEndpointNotFound", err)
			}
			if err := store.Delete(ctx, ep.ID, "user-b"); !errors.Is(err, ErrEndpointNotFound) {
				t.Errorf("Delete() by another user error = %v, want ErrEndpointNotFound", err)
			}
			if err := store.Delete(ctx, ep.ID, "user-a"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := store.GetByID(ctx, ep.ID); !errors.Is(err, ErrEndpointNotFound) {
				t.Errorf("GetByID() after delete error = %v, want ErrEndpointNotFound", err)
			}
		})
	}
}

func TestStore_ListSubscribed(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

			first := testEndpoint("user-a", base, models.EventContactCreated)
			second := testEndpoint("user-a", base.Add(time.Minute), models.EventContactCreated, models.EventMessageSent)
			inactive := testEndpoint("user-a", base.Add(2*time.Minute), models.EventContactCreated)
			inactive.IsActive = false
			otherEvent := testEndpoint("user-a", base.Add(3*time.Minute), models.EventMessageSent)
			otherUser := testEndpoint("user-b", base.Add(4*time.Minute), models.EventContactCreated)

			for _, ep := range []*models.WebhookEndpoint{second, first, inactive, otherEvent, otherUser} {
				if err := store.Create(ctx, ep); err != nil {
					t.Fatalf("Create() error = %v", err)
				}
			}

			got, err := store.ListSubscribed(ctx, "user-a", models.EventContactCreated)
			if err != nil {
				t.Fatalf("ListSubscribed() error = %v", err)
			}
			if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
				t.Fatalf("ListSubscribed() = %v, want [first second]", ids(got))
			}

			all, err := store.ListByUser(ctx, "user-a")
			if err != nil {
				t.Fatalf("ListByUser() error = %v", err)
			}
			if len(all) != 4 {
				t.Errorf("ListByUser() returned %d endpoints, want 4", len(all))
			}

			none, err := store.ListSubscribed(ctx, "user-c", models.EventContactCreated)
			if err != nil || len(none) != 0 {
				t.Errorf("ListSubscribed() for unknown user = %v, %v", none, err)
			}
		})
	}
}

func TestStore_DeliveryLog(t *testing.T) {
	for name, open := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			webhookID := uuid.New()
			eventA, eventB := uuid.New(), uuid.New()

			attempts := []*models.DeliveryAttempt{
				testAttempt(webhookID, eventA, 0, base, false),
				testAttempt(webhookID, eventA, 1, base.Add(time.Second), true),
				testAttempt(webhookID, eventB, 0, base.Add(2*time.Second), true),
				testAttempt(uuid.New(), eventA, 0, base, true),
			}
			for _, a := range attempts {
				if err := store.Append(ctx, a); err != nil {
					t.Fatalf("Append() error = %v", err)
				}
			}

			dup := testAttempt(webhookID, eventA, 1, base.Add(time.Hour), true)
			if err := store.Append(ctx, dup); !errors.Is(err, ErrDuplicateAttempt) {
				t.Fatalf("duplicate Append() error = %v, want ErrDuplicateAttempt", err)
			}

			got, err := store.ListByWebhook(ctx, webhookID, LogFilter{})
			if err != nil {
				t.Fatalf("ListByWebhook() error = %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("ListByWebhook() returned %d attempts, want 3", len(got))
			}
			if got[0].EventID != eventB || got[2].AttemptNumber != 0 {
				t.Errorf("ListByWebhook() not newest first: %v", got)
			}
			if got[2].ResponseStatus == nil || *got[2].ResponseStatus != 500 || got[2].ErrorMessage == nil {
				t.Errorf("failure details lost: %+v", got[2])
			}
			if string(got[0].Payload) != `{"data":{},"event":"contact_created"}` {
				t.Errorf("payload = %s", got[0].Payload)
			}

			byEvent, _ := store.ListByWebhook(ctx, webhookID, LogFilter{EventID: eventA})
			if len(byEvent) != 2 {
				t.Errorf("event filter returned %d attempts, want 2", len(byEvent))
			}

			window, _ := store.ListByWebhook(ctx, webhookID, LogFilter{Since: base.Add(500 * time.Millisecond), Until: base.Add(1500 * time.Millisecond)})
			if len(window) != 1 || window[0].AttemptNumber != 1 {
				t.Errorf("time window returned %v", window)
			}

			limited, _ := store.ListByWebhook(ctx, webhookID, LogFilter{Limit: 1})
			if len(limited) != 1 || limited[0].EventID != eventB {
				t.Errorf("limit returned %v", limited)
			}
		})
	}
}

func ids(eps []*models.WebhookEndpoint) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.ID)
	}
	return out
}

func TestSQLiteStore_ErrorsAreWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	store := NewSQLiteStore(db)
	ctx := context.Background()
	boom := errors.New("disk I/O error")

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhook_endpoints")).WillReturnError(boom)
	if err := store.Create(ctx, testEndpoint("u", time.Now(), "x")); !errors.Is(err, boom) {
		t.Errorf("Create() error = %v, want wrapped %v", err, boom)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE webhook_endpoints")).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.Update(ctx, testEndpoint("u", time.Now(), "x")); !errors.Is(err, ErrEndpointNotFound) {
		t.Errorf("Update() of missing row error = %v, want ErrEndpointNotFound", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM webhook_endpoints WHERE id = ?")).WillReturnError(boom)
	if _, err := store.GetByID(ctx, uuid.New()); !errors.Is(err, boom) || errors.Is(err, ErrEndpointNotFound) {
		t.Errorf("GetByID() error = %v, want wrapped %v", err, boom)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM webhook_logs")).WillReturnError(boom)
	if _, err := store.ListByWebhook(ctx, uuid.New(), LogFilter{Limit: 10}); !errors.Is(err, boom) {
		t.Errorf("ListByWebhook() error = %v, want wrapped %v", err, boom)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLiteStore_MigrateFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("read-only database"))
	if err := NewSQLiteStore(db).Migrate(context.Background()); err == nil {
		t.Fatal("Migrate() should fail when the schema cannot be created")
	}
}
