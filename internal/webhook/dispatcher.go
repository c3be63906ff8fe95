package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nexuscomm/webhooks/internal/logging"
	"github.com/nexuscomm/webhooks/internal/models"
	"github.com/nexuscomm/webhooks/internal/monitoring"
	"github.com/rs/zerolog/log"
)

// Delivery headers
const (
	HeaderWebhookID       = "X-Webhook-ID"
	HeaderEventID         = "X-Event-ID"
	HeaderEventType       = "X-Event-Type"
	HeaderDeliveryAttempt = "X-Delivery-Attempt"
)

const (
	defaultUserAgent         = "NexusComm-Webhooks/1.0"
	defaultResponseBodyLimit = 64 * 1024
	maxErrorMessageLength    = 1024
)

// DispatcherConfig holds outbound delivery settings
type DispatcherConfig struct {
	UserAgent         string
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	ResponseBodyLimit int64
	Timeouts          TimeoutPolicy
	// Breakers is optional; nil disables circuit breaking
	Breakers *BreakerSet
	// Backoff overrides the wait before the retry following attempt n
	Backoff func(attempt int) time.Duration
}

// Dispatcher signs and sends deliveries and records every attempt
type Dispatcher struct {
	cfg      DispatcherConfig
	logs     DeliveryLog
	client   *http.Client
	insecure *http.Client
	now      func() time.Time
}

// NewDispatcher creates a dispatcher writing attempts to logs
func NewDispatcher(logs DeliveryLog, cfg DispatcherConfig) *Dispatcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.ResponseBodyLimit <= 0 {
		cfg.ResponseBodyLimit = defaultResponseBodyLimit
	}
	if cfg.Timeouts.Default <= 0 {
		cfg.Timeouts = DefaultTimeoutPolicy()
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff(cfg.BaseBackoff, cfg.MaxBackoff)
	}

	secure := http.DefaultTransport.(*http.Transport).Clone()
	insecure := http.DefaultTransport.(*http.Transport).Clone()
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // per-endpoint opt out

	return &Dispatcher{
		cfg:      cfg,
		logs:     logs,
		client:   newDeliveryClient(secure),
		insecure: newDeliveryClient(insecure),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// redirects are reported as failures rather than followed
func newDeliveryClient(transport *http.Transport) *http.Client {
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Close releases idle connections held by both transports
func (d *Dispatcher) Close() {
	d.client.CloseIdleConnections()
	d.insecure.CloseIdleConnections()
}

// ExponentialBackoff waits base*2^attempt, capped at max when max > 0, plus
// up to 25% jitter
func ExponentialBackoff(base, max time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		if attempt > 30 {
			attempt = 30
		}
		d := base << attempt
		if max > 0 && d > max {
			d = max
		}
		if jitter := int64(d / 4); jitter > 0 {
			d += time.Duration(rand.Int63n(jitter))
		}
		return d
	}
}

// Forget drops per-endpoint state kept for a deleted endpoint
func (d *Dispatcher) Forget(webhookID uuid.UUID) {
	if d.cfg.Breakers != nil {
		d.cfg.Breakers.Reset(webhookID.String())
	}
}

// BreakerStatus returns the endpoint's circuit breaker status, or nil when
// breakers are disabled or the endpoint has not been delivered to yet
func (d *Dispatcher) BreakerStatus(webhookID uuid.UUID) *BreakerStatus {
	if d.cfg.Breakers == nil {
		return nil
	}
	return d.cfg.Breakers.Status(webhookID.String())
}

// Backoff returns the wait before the retry that follows attempt n
func (d *Dispatcher) Backoff(attempt int) time.Duration {
	return d.cfg.Backoff(attempt)
}

// Deliver runs the whole retry sequence for one (event, endpoint) pair in the
// calling goroutine. It stops early with DeliveryStatusCancelled when ctx ends.
func (d *Dispatcher) Deliver(ctx context.Context, ep *models.WebhookEndpoint, ev *models.IntegrationEvent) *models.DeliveryResult {
	result := &models.DeliveryResult{
		WebhookID: ep.ID,
		EventID:   ev.ID,
		Status:    models.DeliveryStatusFailed,
	}

	for attempt := 0; attempt <= ep.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			result.Status = models.DeliveryStatusCancelled
			break
		}

		a := d.Attempt(ctx, ep, ev, attempt)
		result.Attempts = append(result.Attempts, a)
		if a.IsSuccessful {
			result.Status = models.DeliveryStatusDelivered
			break
		}
		if ctx.Err() != nil {
			result.Status = models.DeliveryStatusCancelled
			break
		}
		if attempt == ep.MaxRetries {
			break
		}

		timer := time.NewTimer(d.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Status = models.DeliveryStatusCancelled
		case <-timer.C:
		}
		if result.Status == models.DeliveryStatusCancelled {
			break
		}
	}

	RecordOutcome(result)
	return result
}

// RecordOutcome logs and counts the terminal state of a delivery
func RecordOutcome(result *models.DeliveryResult) {
	logging.LogDeliveryOutcome(result.WebhookID.String(), result.EventID.String(), string(result.Status), len(result.Attempts))
	monitoring.RecordDeliveryOutcome(string(result.Status))
}

// Attempt performs one signed POST and appends its record to the delivery
// log. Transport failures are captured in the record, never returned.
func (d *Dispatcher) Attempt(ctx context.Context, ep *models.WebhookEndpoint, ev *models.IntegrationEvent, attempt int) *models.DeliveryAttempt {
	record := &models.DeliveryAttempt{
		ID:            uuid.New(),
		WebhookID:     ep.ID,
		EventID:       ev.ID,
		EventType:     ev.EventType,
		Payload:       ev.Payload,
		AttemptNumber: attempt,
	}

	start := time.Now()
	status, err := d.send(ctx, ep, ev, attempt, record)
	elapsed := time.Since(start)

	ms := elapsed.Milliseconds()
	record.ResponseTimeMs = &ms
	record.CreatedAt = d.now()
	if status != 0 {
		record.ResponseStatus = &status
	}
	if err == nil {
		record.IsSuccessful = true
	} else {
		msg := logging.SanitizeForLog(err.Error(), maxErrorMessageLength)
		record.ErrorMessage = &msg
	}

	if appendErr := d.logs.Append(context.WithoutCancel(ctx), record); appendErr != nil {
		if errors.Is(appendErr, ErrDuplicateAttempt) {
			log.Warn().
				Str("webhook_id", ep.ID.String()).
				Str("event_id", ev.ID.String()).
				Int("attempt", attempt).
				Msg("Delivery attempt already recorded")
		} else {
			log.Error().Err(appendErr).
				Str("webhook_id", ep.ID.String()).
				Str("event_id", ev.ID.String()).
				Msg("Failed to record delivery attempt")
		}
	}

	result := "success"
	if !record.IsSuccessful {
		result = "failure"
	}
	monitoring.RecordDeliveryAttempt(result, elapsed)

	entry := &logging.DeliveryLogEntry{
		WebhookID:  ep.ID.String(),
		EventID:    ev.ID.String(),
		EventType:  ev.EventType,
		UserID:     ev.UserID,
		Attempt:    attempt,
		Latency:    elapsed,
		Successful: record.IsSuccessful,
	}
	if record.ResponseStatus != nil {
		entry.ResponseStatus = *record.ResponseStatus
	}
	if record.ErrorMessage != nil {
		entry.Error = *record.ErrorMessage
	}
	logging.LogDeliveryAttempt(entry)

	return record
}

// send builds, signs and posts the envelope. It returns the HTTP status (0
// when no response arrived) and a non-nil error for anything but a 2xx.
func (d *Dispatcher) send(ctx context.Context, ep *models.WebhookEndpoint, ev *models.IntegrationEvent, attempt int, record *models.DeliveryAttempt) (int, error) {
	body, err := Canonicalize(NewEnvelope(ev))
	if err != nil {
		return 0, err
	}
	record.Payload = body

	var signature string
	if ep.HasSecret() {
		if signature, err = SignBytes(ep.Secret, body); err != nil {
			return 0, err
		}
	}

	var status int
	do := func() error {
		var err error
		status, err = d.post(ctx, ep, ev, attempt, body, signature)
		return err
	}
	if d.cfg.Breakers != nil {
		err = d.cfg.Breakers.Execute(ep.ID.String(), do)
	} else {
		err = do()
	}
	return status, err
}

func (d *Dispatcher) post(ctx context.Context, ep *models.WebhookEndpoint, ev *models.IntegrationEvent, attempt int, body []byte, signature string) (int, error) {
	ctx, cancel, timeout := d.cfg.Timeouts.WithTimeout(ctx, ep.TimeoutSeconds)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set(HeaderWebhookID, ep.ID.String())
	req.Header.Set(HeaderEventID, ev.ID.String())
	req.Header.Set(HeaderEventType, ev.EventType)
	req.Header.Set(HeaderDeliveryAttempt, strconv.Itoa(attempt))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	client := d.client
	if !ep.VerifySSL {
		client = d.insecure
	}

	resp, err := client.Do(req)
	if err != nil {
		if IsTimeoutError(err) {
			return 0, fmt.Errorf("request timed out after %s", timeout)
		}
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, d.cfg.ResponseBodyLimit))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	if len(respBody) == 0 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, respBody)
}
