// Package ratelimit implements a Redis sliding-window limiter for the public
// inbound callback route.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nexuscomm/webhooks/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Limiter implements sliding window rate limiting using Redis
type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// Result contains the result of a rate limit check
type Result struct {
	Allowed    bool
	Remaining  int64
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// New creates a limiter allowing cfg.InboundPerWindow requests per window
func New(client *redis.Client, cfg *config.RateLimitConfig) *Limiter {
	windowSeconds := cfg.WindowSeconds
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &Limiter{
		client: client,
		limit:  cfg.InboundPerWindow,
		window: time.Duration(windowSeconds) * time.Second,
		prefix: "ratelimit:inbound:",
	}
}

// Allow records a request for key and reports whether it fits in the window.
// Redis failures allow the request.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	if l == nil || l.client == nil || l.limit <= 0 {
		return &Result{Allowed: true, Remaining: -1}, nil
	}

	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := l.prefix + key

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to check rate limit")
		return &Result{Allowed: true, Remaining: int64(l.limit), Limit: l.limit}, nil
	}

	current := countCmd.Val()
	result := &Result{
		Limit:   l.limit,
		ResetAt: now.Add(l.window),
	}

	if current >= int64(l.limit) {
		result.Allowed = false
		result.Remaining = 0

		oldest, err := l.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			oldestTime := time.Unix(0, int64(oldest[0].Score))
			result.RetryAfter = oldestTime.Add(l.window).Sub(now)
			if result.RetryAfter < time.Second {
				result.RetryAfter = time.Second
			}
		} else {
			result.RetryAfter = l.window
		}
		return result, nil
	}

	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	if err := l.client.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to add rate limit entry")
	}
	l.client.Expire(ctx, redisKey, l.window*2)

	result.Allowed = true
	result.Remaining = int64(l.limit) - current - 1
	if result.Remaining < 0 {
		result.Remaining = 0
	}
	return result, nil
}

// Reset clears the window for key
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}
