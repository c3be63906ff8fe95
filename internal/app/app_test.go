package app

import (
	"context"
	"testing"
	"time"

	"github.com/nexuscomm/webhooks/internal/config"
	"github.com/nexuscomm/webhooks/internal/models"
	"github.com/nexuscomm/webhooks/internal/webhook"
)

func testConfig(driver string) *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: driver, SQLitePath: ":memory:"},
		Webhook: config.WebhookConfig{
			QueueBackend: QueueMemory,
			Workers:      2,
			PollInterval: 10 * time.Millisecond,
		},
	}
}

func TestNew_Backends(t *testing.T) {
	for _, driver := range []string{DriverMemory, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			a, err := New(ctx, testConfig(driver))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer a.Close()

			if err := a.Health(ctx); err != nil {
				t.Errorf("expected healthy backends, got %v", err)
			}

			ep, err := a.Registry.Create(ctx, "user-1", &webhook.CreateEndpointRequest{
				URL:    "https://example.com/hook",
				Events: []string{models.EventContactCreated},
			})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			ids, err := a.Publisher.Publish(ctx, &models.IntegrationEvent{
				UserID:    "user-1",
				EventType: models.EventContactCreated,
			})
			if err != nil {
				t.Fatalf("Publish: %v", err)
			}
			if len(ids) != 1 || ids[0] != ep.ID {
				t.Errorf("expected delivery to %s, got %v", ep.ID, ids)
			}
			if n, _ := a.Queue.Len(ctx); n != 1 {
				t.Errorf("expected 1 queued job, got %d", n)
			}

			svc := a.Services()
			if svc.Registry == nil || svc.Publisher == nil || svc.Inbound == nil || svc.Health == nil {
				t.Error("expected wired services")
			}
			if svc.Limiter != nil {
				t.Error("expected no limiter when Redis is disabled")
			}
		})
	}
}

func TestNew_UnknownBackends(t *testing.T) {
	cfg := testConfig("oracle")
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown driver")
	}

	cfg = testConfig(DriverMemory)
	cfg.Webhook.QueueBackend = "kafka"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown queue backend")
	}
}

func TestDispatcherConfig(t *testing.T) {
	dc := DispatcherConfig(&config.WebhookConfig{
		UserAgent:  "ua",
		MinTimeout: 2 * time.Second,
		MaxTimeout: 10 * time.Second,
	})
	if dc.Breakers != nil {
		t.Error("expected no breakers when disabled")
	}
	if dc.Timeouts.Min != 2*time.Second || dc.Timeouts.Max != 10*time.Second {
		t.Errorf("unexpected timeout policy: %+v", dc.Timeouts)
	}
	if got := dc.Timeouts.For(60); got != 10*time.Second {
		t.Errorf("expected clamp to 10s, got %s", got)
	}

	dc = DispatcherConfig(&config.WebhookConfig{BreakerEnabled: true, BreakerFailures: 3})
	if dc.Breakers == nil {
		t.Fatal("expected breakers when enabled")
	}
}
