// Package resilience provides jittered-retry and circuit-breaker
// primitives. The converter dispatch path wraps remote calls with the
// circuit breaker; Retry has no caller in the engine.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff (base delay) + full jitter.
// delay acts as the initial backoff; it grows exponentially (x2), capped
// at 60s, until attempts are exhausted. This is an in-memory
// retry-with-jitter for a single call — it is NOT the task log's
// persistent retry schedule, which instead uses a fixed backoff/v4
// schedule so the interval survives process restarts.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("metaflow-engine")
	attemptCounter, _ := meter.Int64Counter("engine_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("engine_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("engine_resilience_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
