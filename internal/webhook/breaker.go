package webhook

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nexuscomm/webhooks/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerConfig holds configuration for per-endpoint circuit breakers
type BreakerConfig struct {
	// MaxRequests is the number of probes allowed through while half-open
	MaxRequests uint32
	// Interval is the cyclic period of the closed state after which counts reset
	Interval time.Duration
	// OpenPeriod is how long a tripped breaker rejects attempts
	OpenPeriod time.Duration
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns default breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            5 * time.Minute,
		OpenPeriod:          60 * time.Second,
		ConsecutiveFailures: 10,
	}
}

// BreakerState represents the state of a circuit breaker
type BreakerState string

const (
	BreakerStateClosed   BreakerState = "closed"
	BreakerStateOpen     BreakerState = "open"
	BreakerStateHalfOpen BreakerState = "half-open"
)

// BreakerStatus contains status information about one endpoint's breaker
type BreakerStatus struct {
	WebhookID    string       `json:"webhook_id"`
	State        BreakerState `json:"state"`
	Requests     uint32       `json:"requests"`
	TotalSuccess uint32       `json:"total_success"`
	TotalFailure uint32       `json:"total_failure"`
}

// BreakerSet keeps one circuit breaker per webhook endpoint so a dead target
// fails attempts fast without touching other endpoints
type BreakerSet struct {
	breakers map[string]*gobreaker.CircuitBreaker
	config   BreakerConfig
	mu       sync.RWMutex
}

// NewBreakerSet creates an empty breaker set
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	if config.ConsecutiveFailures == 0 {
		config.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	if config.OpenPeriod <= 0 {
		config.OpenPeriod = DefaultBreakerConfig().OpenPeriod
	}
	return &BreakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
	}
}

func (s *BreakerSet) get(webhookID string) *gobreaker.CircuitBreaker {
	s.mu.RLock()
	cb, exists := s.breakers[webhookID]
	s.mu.RUnlock()
	if exists {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, exists = s.breakers[webhookID]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook-" + webhookID,
		MaxRequests: s.config.MaxRequests,
		Interval:    s.config.Interval,
		Timeout:     s.config.OpenPeriod,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.config.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info().
				Str("circuit_breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("Circuit breaker state changed")
			monitoring.SetCircuitBreakerState(webhookID, stateToGauge(to))
		},
		IsSuccessful: func(err error) bool {
			// cancellation says nothing about the target's health
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	s.breakers[webhookID] = cb
	return cb
}

// Execute runs fn under the endpoint's breaker. A tripped breaker returns
// ErrCircuitOpen without calling fn.
func (s *BreakerSet) Execute(webhookID string, fn func() error) error {
	_, err := s.get(webhookID).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// Status returns the breaker status for an endpoint, or nil if none exists yet
func (s *BreakerSet) Status(webhookID string) *BreakerStatus {
	s.mu.RLock()
	cb, exists := s.breakers[webhookID]
	s.mu.RUnlock()
	if !exists {
		return nil
	}
	counts := cb.Counts()
	return &BreakerStatus{
		WebhookID:    webhookID,
		State:        BreakerState(stateToString(cb.State())),
		Requests:     counts.Requests,
		TotalSuccess: counts.TotalSuccesses,
		TotalFailure: counts.TotalFailures,
	}
}

// Reset forgets the breaker for an endpoint and drops its state gauge
func (s *BreakerSet) Reset(webhookID string) {
	s.mu.Lock()
	_, exists := s.breakers[webhookID]
	delete(s.breakers, webhookID)
	s.mu.Unlock()
	if exists {
		monitoring.DeleteCircuitBreakerState(webhookID)
	}
}

// Len returns the number of endpoints with a breaker
func (s *BreakerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.breakers)
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return string(BreakerStateClosed)
	case gobreaker.StateOpen:
		return string(BreakerStateOpen)
	case gobreaker.StateHalfOpen:
		return string(BreakerStateHalfOpen)
	default:
		return "unknown"
	}
}

func stateToGauge(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
