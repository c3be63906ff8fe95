package webhook

import (
	"context"
	"errors"
	"net"
	"time"
)

// TimeoutPolicy bounds the per-attempt deadline derived from an endpoint's
// timeoutSeconds
type TimeoutPolicy struct {
	Default time.Duration
	Min     time.Duration
	Max     time.Duration
}

// DefaultTimeoutPolicy returns the policy used when none is configured
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Default: 30 * time.Second,
		Min:     time.Second,
		Max:     120 * time.Second,
	}
}

// For returns the deadline for an endpoint configured with the given seconds.
// Zero selects the default; anything else is clamped to [Min, Max].
func (p TimeoutPolicy) For(seconds int) time.Duration {
	if seconds <= 0 {
		return p.Default
	}
	d := time.Duration(seconds) * time.Second
	if p.Min > 0 && d < p.Min {
		return p.Min
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// WithTimeout derives an attempt context and reports the deadline used
func (p TimeoutPolicy) WithTimeout(ctx context.Context, seconds int) (context.Context, context.CancelFunc, time.Duration) {
	timeout := p.For(seconds)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, timeout
}

// IsTimeoutError reports whether err came from an expired deadline
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
