package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Outbound delivery metrics
	DeliveryAttempts        *prometheus.CounterVec
	DeliveryAttemptDuration *prometheus.HistogramVec
	DeliveryOutcomes        *prometheus.CounterVec
	EventsPublished         *prometheus.CounterVec
	QueueDepth              prometheus.Gauge

	// Inbound metrics
	InboundVerifications *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var (
	metrics  *Metrics
	initOnce sync.Once
)

// Init initializes all Prometheus metrics
func Init() *Metrics {
	initOnce.Do(func() {
		metrics = &Metrics{
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
				},
				[]string{"method", "path"},
			),
			HTTPRequestsInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "http_requests_in_flight",
					Help: "Number of HTTP requests currently being processed",
				},
			),

			DeliveryAttempts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "webhook_delivery_attempts_total",
					Help: "Total number of outbound webhook attempts",
				},
				[]string{"result"},
			),
			DeliveryAttemptDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "webhook_delivery_attempt_duration_seconds",
					Help:    "Outbound webhook attempt latency in seconds",
					Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"result"},
			),
			DeliveryOutcomes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "webhook_deliveries_total",
					Help: "Terminal outcomes of webhook deliveries",
				},
				[]string{"status"},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "webhook_events_published_total",
					Help: "Integration events published, by whether any endpoint matched",
				},
				[]string{"matched"},
			),
			QueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "webhook_queue_depth",
					Help: "Number of delivery jobs waiting in the queue",
				},
			),

			InboundVerifications: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "webhook_inbound_verifications_total",
					Help: "Inbound callback verification results",
				},
				[]string{"result"},
			),

			RateLimitHits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "rate_limit_hits_total",
					Help: "Total number of rate limit hits",
				},
				[]string{"route"},
			),

			CircuitBreakerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
				},
				[]string{"webhook_id"},
			),
		}
	})
	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler returns a Gin-compatible handler for Prometheus metrics
func GinHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordDeliveryAttempt records one outbound attempt; result is "success" or "failure"
func RecordDeliveryAttempt(result string, duration time.Duration) {
	Get().DeliveryAttempts.WithLabelValues(result).Inc()
	Get().DeliveryAttemptDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordDeliveryOutcome records the terminal state of one delivery
func RecordDeliveryOutcome(status string) {
	Get().DeliveryOutcomes.WithLabelValues(status).Inc()
}

// RecordEventPublished records a publish call
func RecordEventPublished(matched bool) {
	Get().EventsPublished.WithLabelValues(strconv.FormatBool(matched)).Inc()
}

// SetQueueDepth sets the number of waiting jobs
func SetQueueDepth(depth int64) {
	Get().QueueDepth.Set(float64(depth))
}

// RecordInboundVerification records an inbound callback check
func RecordInboundVerification(result string) {
	Get().InboundVerifications.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a rate limit hit
func RecordRateLimitHit(route string) {
	Get().RateLimitHits.WithLabelValues(route).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(webhookID string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(webhookID).Set(state)
}

// DeleteCircuitBreakerState drops the gauge series of a removed endpoint
func DeleteCircuitBreakerState(webhookID string) {
	Get().CircuitBreakerState.DeleteLabelValues(webhookID)
}
