// Package ratelimit implements the distributed token-bucket contract of
// spec.md §4.2 as a fixed-window counter: at most R increments of a
// (namespace, window) key succeed within any 1-second window, enforced by a
// single atomic Lua script so the check is race-free across replicas.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"webhook-delivery-pipeline/internal/telemetry"
)

// ErrRateLimited is returned when acquire could not obtain a token before timeout.
var ErrRateLimited = errors.New("rate limited")

// FixedWindowLimiter enforces capacity admissions per 1-second window for a
// fixed namespace (the downstream identity), shared across all replicas via Redis.
type FixedWindowLimiter struct {
	client    *redis.Client
	namespace string
	capacity  int
	logger    *telemetry.Logger
}

// NewFixedWindowLimiter builds a limiter keyed under namespace with the given
// per-second capacity R.
func NewFixedWindowLimiter(client *redis.Client, namespace string, capacity int, logger *telemetry.Logger) *FixedWindowLimiter {
	if logger == nil {
		logger = telemetry.Default()
	}
	return &FixedWindowLimiter{client: client, namespace: namespace, capacity: capacity, logger: logger}
}

// windowScript atomically increments the counter for the window key and
// reports whether the post-increment value is within capacity. The 2s expiry
// (ARGV[2]) bounds key lifetime to at most two windows, per spec.md §4.2.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if count > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

// Acquire attempts to consume one token from the current 1-second window. If
// the window is exhausted it waits for the next window boundary and retries;
// if that boundary lies past now+timeout it fails with ErrRateLimited at once,
// without waiting. A backend error is
// treated as fail-open (acquire succeeds) and logged, mirroring the posture of
// the reference downstream mock's own rate limiter.
func (l *FixedWindowLimiter) Acquire(ctx context.Context, now time.Time, timeout time.Duration) error {
	deadline := now.Add(timeout)
	for {
		window := now.Unix()
		key := fmt.Sprintf("ratelimit:%s:%d", l.namespace, window)

		res, err := windowScript.Run(ctx, l.client, []string{key}, l.capacity, int64(2*time.Second/time.Millisecond)).Result()
		if err != nil {
			l.logger.Warn("rate limiter backend error, failing open", telemetry.F("error", err.Error()))
			return nil
		}

		allowed, _ := res.(int64)
		if allowed == 1 {
			return nil
		}

		nextWindow := time.Unix(window+1, 0)
		wait := nextWindow.Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		if now.Add(wait).After(deadline) {
			return ErrRateLimited
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		now = time.Now()
		if now.After(deadline) {
			return ErrRateLimited
		}
	}
}
