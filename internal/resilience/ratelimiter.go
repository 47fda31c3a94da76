package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DispatchLimiter bounds the rate of outbound task dispatches. Each
// worker endpoint gets its own token bucket, so one slow endpoint
// absorbing retries cannot starve dispatches to the others, and a
// global sliding-window cap bounds the process-wide outbound rate
// regardless of how many workers are registered.
type DispatchLimiter struct {
	mu sync.Mutex

	capacity int64
	fillRate float64
	buckets  map[string]*workerBucket

	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64 // 0 means no global cap
}

type workerBucket struct {
	available  float64
	lastRefill time.Time
}

// NewDispatchLimiter creates a limiter with a per-worker bucket of
// the given capacity and fill rate (tokens per second), plus a global
// cap of maxPerWindow dispatches per windowDur across all workers.
func NewDispatchLimiter(capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *DispatchLimiter {
	return &DispatchLimiter{
		capacity:     capacity,
		fillRate:     fillRate,
		buckets:      make(map[string]*workerBucket),
		windowStart:  time.Now(),
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
	}
}

// Allow reports whether one dispatch to workerID may proceed now,
// consuming a token from that worker's bucket and a slot in the
// global window if so.
func (l *DispatchLimiter) Allow(workerID string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.windowStart) >= l.windowDur {
		l.windowStart = now
		l.windowCount = 0
	}
	if l.maxPerWindow > 0 && l.windowCount >= l.maxPerWindow {
		countThrottled(workerID, "window")
		return false
	}

	b, ok := l.buckets[workerID]
	if !ok {
		b = &workerBucket{available: float64(l.capacity), lastRefill: now}
		l.buckets[workerID] = b
	}
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.available += elapsed * l.fillRate
		if b.available > float64(l.capacity) {
			b.available = float64(l.capacity)
		}
		b.lastRefill = now
	}
	if b.available < 1 {
		countThrottled(workerID, "bucket")
		return false
	}

	b.available--
	l.windowCount++
	return true
}

func countThrottled(workerID, reason string) {
	meter := otel.GetMeterProvider().Meter("workforce-dispatcher")
	counter, _ := meter.Int64Counter("workforce_dispatch_throttled_total")
	counter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("worker_id", workerID),
		attribute.String("reason", reason),
	))
}
