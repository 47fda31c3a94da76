// Package resilience provides the retry, circuit-breaking, and
// rate-limiting primitives the dispatcher wraps around calls to
// external workers. None of this is imported by pkg/workforce: the
// engine's own retry/backoff policy is a logical-time state
// transition, not a wall-clock retry loop.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Policy bounds how many times one outbound worker call is attempted
// (Attempts counts the first call too) and how long to wait between
// attempts. Waits use decorrelated
// jitter so a batch of dispatches failing against the same endpoint
// does not retry in lockstep.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Do runs op under p, returning the first success or the last error.
// It gives up early when ctx is done, or when the next wait would
// outlive ctx's deadline anyway.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}

	meter := otel.Meter("workforce-dispatcher")
	tries, _ := meter.Int64Counter("workforce_dispatch_retry_attempts_total")

	wait := p.BaseDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		tries.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", err == nil)))
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt >= p.Attempts {
			return zero, lastErr
		}

		// decorrelated jitter: anywhere between the base delay and
		// three times the previous wait, capped at MaxDelay
		if span := int64(3*wait - p.BaseDelay); span > 0 {
			wait = p.BaseDelay + time.Duration(rand.Int63n(span))
		}
		if wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(wait).After(deadline) {
			return zero, lastErr
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
