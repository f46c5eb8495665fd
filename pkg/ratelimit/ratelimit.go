// Package ratelimit implements the gateway's per-tenant request-rate cap:
// a fixed-window counter in Redis, incremented with an expiry equal to the
// window length (spec.md §4.4), shared across every gateway replica. This
// intentionally departs from the sliding sorted-set algorithm used
// elsewhere in the retrieved examples: spec.md's keyspace and semantics
// ("Increment atomically with a 60s expiry; the first increment sets the
// TTL") are a fixed window, and a sorted-set sliding window would not
// reproduce the scenario in spec.md §8.6 (exactly six requests consumed,
// ratelimit:{tenant} == 6 at expiry).
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "ratelimit:"

// Limiter enforces a per-tenant requests-per-window cap.
type Limiter struct {
	client *redis.Client
	window time.Duration
}

// New creates a Limiter backed by an existing Redis client.
func New(client *redis.Client, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{client: client, window: window}
}

// Result reports the outcome of a rate-limit check.
type Result struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
}

// Allow increments the tenant's window counter and reports whether the
// post-increment count is within limit. On Redis failure it fails open
// (allowed=true) and logs, because a gateway outage in a side channel
// must not block every request across every tenant.
func (l *Limiter) Allow(ctx context.Context, tenantID string, limit int) (Result, error) {
	key := keyPrefix + tenantID

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		slog.Error("Rate limiter Redis INCR failed, failing open", "tenant_id", tenantID, "error", err)
		return Result{Allowed: true, Limit: limit}, nil
	}

	if count == 1 {
		// First increment in this window: set the expiry that defines the window.
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			slog.Error("Rate limiter failed to set window expiry", "tenant_id", tenantID, "error", err)
		}
	}

	result := Result{
		Count: count,
		Limit: limit,
	}
	if int(count) <= limit {
		result.Allowed = true
		return result, nil
	}

	result.Allowed = false
	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = l.window
	}
	result.RetryAfter = ttl

	slog.Warn("Rate limit exceeded", "tenant_id", tenantID, "count", count, "limit", limit, "retry_after", ttl)
	return result, nil
}

// Reset clears a tenant's window counter, used by tests and administrative
// overrides.
func (l *Limiter) Reset(ctx context.Context, tenantID string) error {
	if err := l.client.Del(ctx, keyPrefix+tenantID).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset: %w", err)
	}
	return nil
}
