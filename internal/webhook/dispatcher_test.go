package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nexuscomm/webhooks/internal/models"
	"github.com/nexuscomm/webhooks/internal/monitoring"
	"pgregory.net/rapid"
)

func noBackoff(int) time.Duration { return 0 }

func newTestDispatcher(logs DeliveryLog, mutate ...func(*DispatcherConfig)) *Dispatcher {
	cfg := DispatcherConfig{UserAgent: "NexusComm-Test/1.0", Backoff: noBackoff}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewDispatcher(logs, cfg)
}

func dispatchEndpoint(url string, maxRetries int) *models.WebhookEndpoint {
	ep := testEndpoint("user-1", time.Now().UTC(), models.EventContactCreated)
	ep.URL = url
	ep.MaxRetries = maxRetries
	return ep
}

func dispatchEvent() *models.IntegrationEvent {
	return &models.IntegrationEvent{
		ID:        uuid.New(),
		UserID:    "user-1",
		EventType: models.EventContactCreated,
		Payload:   json.RawMessage(`{"name":"Ada","id":7}`),
		CreatedAt: time.Date(2024, 2, 2, 8, 0, 0, 0, time.UTC),
	}
}

func TestDispatcher_PermanentFailureExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := newTestDispatcher(store)
	ep := dispatchEndpoint(srv.URL, 3)
	ev := dispatchEvent()

	result := d.Deliver(context.Background(), ep, ev)
	if result.Status != models.DeliveryStatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if hits.Load() != 4 || len(result.Attempts) != 4 {
		t.Fatalf("hits = %d, attempts = %d; want 4 and 4", hits.Load(), len(result.Attempts))
	}

	logs, _ := store.ListByWebhook(context.Background(), ep.ID, LogFilter{EventID: ev.ID})
	if len(logs) != 4 {
		t.Fatalf("logged %d attempts, want 4", len(logs))
	}
	seen := map[int]bool{}
	for _, a := range logs {
		if a.IsSuccessful || a.ResponseStatus == nil || *a.ResponseStatus != 500 || a.ErrorMessage == nil {
			t.Errorf("attempt %d recorded as %+v", a.AttemptNumber, a)
		}
		seen[a.AttemptNumber] = true
	}
	for i := 0; i <= 3; i++ {
		if !seen[i] {
			t.Errorf("attempt %d missing from log", i)
		}
	}
}

func TestDispatcher_StopsAfterSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := newTestDispatcher(store)
	ep := dispatchEndpoint(srv.URL, 3)

	result := d.Deliver(context.Background(), ep, dispatchEvent())
	if result.Status != models.DeliveryStatusDelivered {
		t.Fatalf("status = %s, want delivered", result.Status)
	}
	logs, _ := store.ListByWebhook(context.Background(), ep.ID, LogFilter{})
	if len(logs) != 2 {
		t.Fatalf("logged %d attempts, want 2", len(logs))
	}
	if !logs[0].IsSuccessful || logs[0].AttemptNumber != 1 || logs[1].IsSuccessful {
		t.Errorf("unexpected log: %+v, %+v", logs[0], logs[1])
	}
}

func TestDispatcher_RequestHeadersAndSignedBody(t *testing.T) {
	var (
		mu      sync.Mutex
		header  http.Header
		payload []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		header = r.Header.Clone()
		payload, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	d := newTestDispatcher(store)
	ep := dispatchEndpoint(srv.URL, 0)
	ev := dispatchEvent()

	if result := d.Deliver(context.Background(), ep, ev); result.Status != models.DeliveryStatusDelivered {
		t.Fatalf("status = %s", result.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	want := `{"data":{"id":7,"name":"Ada"},"event":"contact_created","timestamp":"2024-02-02T08:00:00Z","userId":"user-1"}`
	if string(payload) != want {
		t.Errorf("body = %s, want %s", payload, want)
	}
	if header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", header.Get("Content-Type"))
	}
	if header.Get("User-Agent") != "NexusComm-Test/1.0" {
		t.Errorf("User-Agent = %q", header.Get("User-Agent"))
	}
	if !VerifyBytes(ep.Secret, payload, header.Get(SignatureHeader)) {
		t.Errorf("X-Signature %q does not verify over the body", header.Get(SignatureHeader))
	}
	if header.Get(HeaderWebhookID) != ep.ID.String() || header.Get(HeaderEventID) != ev.ID.String() {
		t.Errorf("id headers = %q, %q", header.Get(HeaderWebhookID), header.Get(HeaderEventID))
	}
	if header.Get(HeaderEventType) != models.EventContactCreated || header.Get(HeaderDeliveryAttempt) != "0" {
		t.Errorf("event headers = %q, %q", header.Get(HeaderEventType), header.Get(HeaderDeliveryAttempt))
	}

	logs, _ := store.ListByWebhook(context.Background(), ep.ID, LogFilter{})
	if len(logs) != 1 || string(logs[0].Payload) != want {
		t.Errorf("logged payload is not the bytes sent: %v", logs)
	}
}

func TestDispatcher_UnsignedWithoutSecret(t *testing.T) {
	var sig atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get(SignatureHeader))
	}))
	defer srv.Close()

	ep := dispatchEndpoint(srv.URL, 0)
	ep.Secret = ""
	result := newTestDispatcher(NewMemoryStore()).Deliver(context.Background(), ep, dispatchEvent())
	if result.Status != models.DeliveryStatusDelivered {
		t.Fatalf("status = %s", result.Status)
	}
	if got := sig.Load().(string); got != "" {
		t.Errorf("X-Signature = %q, want none", got)
	}
}

func TestDispatcher_VerifySSL(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher(NewMemoryStore())

	strict := dispatchEndpoint(srv.URL, 0)
	if result := d.Deliver(context.Background(), strict, dispatchEvent()); result.Status != models.DeliveryStatusFailed {
		t.Errorf("self-signed certificate accepted with verify_ssl on: %s", result.Status)
	}

	relaxed := dispatchEndpoint(srv.URL, 0)
	relaxed.VerifySSL = false
	if result := d.Deliver(context.Background(), relaxed, dispatchEvent()); result.Status != models.DeliveryStatusDelivered {
		t.Errorf("verify_ssl off should accept a self-signed certificate: %s %v", result.Status, *result.Attempts[0].ErrorMessage)
	}

	// the relaxed transport must not leak into the strict client
	if result := d.Deliver(context.Background(), strict, dispatchEvent()); result.Status != models.DeliveryStatusFailed {
		t.Errorf("strict endpoint accepted after a relaxed delivery: %s", result.Status)
	}
}

func TestDispatcher_AttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	d := newTestDispatcher(NewMemoryStore(), func(c *DispatcherConfig) {
		c.Timeouts = TimeoutPolicy{Default: 50 * time.Millisecond, Max: 50 * time.Millisecond}
	})
	ep := dispatchEndpoint(srv.URL, 0)

	start := time.Now()
	result := d.Deliver(context.Background(), ep, dispatchEvent())
	if time.Since(start) > time.Second {
		t.Errorf("attempt took %s, deadline not applied", time.Since(start))
	}
	if result.Status != models.DeliveryStatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	a := result.Attempts[0]
	if a.ResponseStatus != nil || a.ErrorMessage == nil || !strings.Contains(*a.ErrorMessage, "timed out") {
		t.Errorf("timeout recorded as %+v", a)
	}
}

func TestDispatcher_CancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		cancel()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := newTestDispatcher(NewMemoryStore(), func(c *DispatcherConfig) {
		c.Backoff = func(int) time.Duration { return time.Hour }
	})

	done := make(chan *models.DeliveryResult, 1)
	go func() { done <- d.Deliver(ctx, dispatchEndpoint(srv.URL, 5), dispatchEvent()) }()

	select {
	case result := <-done:
		if result.Status != models.DeliveryStatusCancelled {
			t.Errorf("status = %s, want cancelled", result.Status)
		}
		if hits.Load() != 1 {
			t.Errorf("hits = %d, want 1", hits.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver did not return after cancellation")
	}
}

func TestDispatcher_ResponseBodyIsCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, strings.Repeat("x", 1000))
	}))
	defer srv.Close()

	d := newTestDispatcher(NewMemoryStore(), func(c *DispatcherConfig) { c.ResponseBodyLimit = 8 })
	result := d.Deliver(context.Background(), dispatchEndpoint(srv.URL, 0), dispatchEvent())

	msg := *result.Attempts[0].ErrorMessage
	if msg != "HTTP 400: xxxxxxxx" {
		t.Errorf("error message = %q", msg)
	}
}

func TestDispatcher_CircuitBreakerFailsFast(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breakers := NewBreakerSet(BreakerConfig{ConsecutiveFailures: 2, OpenPeriod: time.Hour})
	store := NewMemoryStore()
	d := newTestDispatcher(store, func(c *DispatcherConfig) { c.Breakers = breakers })
	ep := dispatchEndpoint(srv.URL, 4)

	result := d.Deliver(context.Background(), ep, dispatchEvent())
	if result.Status != models.DeliveryStatusFailed {
		t.Fatalf("status = %s", result.Status)
	}
	if hits.Load() != 2 {
		t.Errorf("target received %d requests, want 2 before the breaker opened", hits.Load())
	}
	if len(result.Attempts) != 5 {
		t.Fatalf("attempts = %d, want 5", len(result.Attempts))
	}
	last := result.Attempts[4]
	if last.ErrorMessage == nil || *last.ErrorMessage != ErrCircuitOpen.Error() {
		t.Errorf("fast-failed attempt recorded as %+v", last)
	}
	if status := d.BreakerStatus(ep.ID); status == nil || status.State != BreakerStateOpen {
		t.Errorf("breaker status = %+v, want open", status)
	}
}

func TestDispatcher_ForgetDropsBreakerState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breakers := NewBreakerSet(BreakerConfig{ConsecutiveFailures: 1, OpenPeriod: time.Hour})
	d := newTestDispatcher(NewMemoryStore(), func(c *DispatcherConfig) { c.Breakers = breakers })
	ep := dispatchEndpoint(srv.URL, 0)

	d.Deliver(context.Background(), ep, dispatchEvent())
	if breakers.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 breaker after a delivery", breakers.Len())
	}

	// endpoint deleted
	d.Forget(ep.ID)
	if breakers.Len() != 0 {
		t.Errorf("Len() = %d after Forget, want 0", breakers.Len())
	}
	if status := d.BreakerStatus(ep.ID); status != nil {
		t.Errorf("BreakerStatus() after Forget = %+v, want nil", status)
	}
	if monitoring.Get().CircuitBreakerState.DeleteLabelValues(ep.ID.String()) {
		t.Error("breaker state gauge survived Forget")
	}

	d.Forget(uuid.New())
	if status := newTestDispatcher(NewMemoryStore()).BreakerStatus(ep.ID); status != nil {
		t.Errorf("BreakerStatus() without breakers = %+v, want nil", status)
	}
}

// TestProperty5_BackoffGrowsWithinJitter checks each wait is base*2^n plus at
// most 25% jitter, capped by the maximum.
func TestProperty5_BackoffGrowsWithinJitter(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.IntRange(1, 5000).Draw(rt, "baseMs")) * time.Millisecond
		max := time.Duration(rapid.IntRange(0, 600).Draw(rt, "maxSec")) * time.Second
		attempt := rapid.IntRange(0, 10).Draw(rt, "attempt")

		got := ExponentialBackoff(base, max)(attempt)
		want := base << attempt
		if max > 0 && want > max {
			want = max
		}
		if got < want || got > want+want/4 {
			rt.Fatalf("PROPERTY VIOLATION: backoff(%d) = %s, want within [%s, %s]", attempt, got, want, want+want/4)
		}
	})
}

func TestTimeoutPolicy_For(t *testing.T) {
	p := TimeoutPolicy{Default: 30 * time.Second, Min: time.Second, Max: 120 * time.Second}
	tests := []struct {
		seconds int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{5, 5 * time.Second},
		{500, 120 * time.Second},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.seconds), func(t *testing.T) {
			if got := p.For(tt.seconds); got != tt.want {
				t.Errorf("For(%d) = %s, want %s", tt.seconds, got, tt.want)
			}
		})
	}
}
