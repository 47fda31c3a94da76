// Package dispatch tracks outstanding external calls the dispatcher
// has made on behalf of running tasks, so that a dispatcher-level
// cancel can both abort the in-flight HTTP request and call
// engine.CancelTask — a capability the core engine's own
// cancel_task leaves entirely to the caller.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Status is the dispatcher-local view of an outstanding call; it
// mirrors but is distinct from workforce.Status, since a task can be
// "dispatched" here before the engine has recorded task_started.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "cancelled"
)

// Outstanding is one tracked external call.
type Outstanding struct {
	TaskID       string
	WorkerID     string
	CancelFunc   context.CancelFunc
	CancelReason string
	CancelledAt  time.Time
	StartedAt    time.Time
	Status       Status
}

// CancellationManager tracks outstanding external calls keyed by task
// id.
type CancellationManager struct {
	mu          sync.RWMutex
	outstanding map[string]*Outstanding

	cancellations metric.Int64Counter
	tracer        trace.Tracer
}

// NewCancellationManager constructs a manager instrumented against
// meter.
func NewCancellationManager(meter metric.Meter) *CancellationManager {
	cancellations, _ := meter.Int64Counter("workforce_dispatch_cancellations_total")
	return &CancellationManager{
		outstanding:   make(map[string]*Outstanding),
		cancellations: cancellations,
		tracer:        otel.Tracer("workforce-dispatch"),
	}
}

// Register records a newly dispatched task call.
func (cm *CancellationManager) Register(taskID, workerID string, cancel context.CancelFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.outstanding[taskID] = &Outstanding{
		TaskID:     taskID,
		WorkerID:   workerID,
		CancelFunc: cancel,
		StartedAt:  time.Now(),
		Status:     StatusRunning,
	}
}

// Cancel aborts the in-flight call for taskID, if any, and marks it
// cancelled. The caller is still responsible for calling
// engine.CancelTask to reflect this in engine state.
func (cm *CancellationManager) Cancel(ctx context.Context, taskID, reason string) error {
	ctx, span := cm.tracer.Start(ctx, "dispatch.cancel", trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("reason", reason),
	))
	defer span.End()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	out, ok := cm.outstanding[taskID]
	if !ok {
		return fmt.Errorf("no outstanding dispatch for task %q", taskID)
	}
	if out.Status != StatusRunning {
		return fmt.Errorf("task %q dispatch is not running (status: %s)", taskID, out.Status)
	}

	out.CancelFunc()
	out.CancelReason = reason
	out.CancelledAt = time.Now()
	out.Status = StatusCanceled

	cm.cancellations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.String("reason", reason),
	))
	span.AddEvent("dispatch_cancelled")
	return nil
}

// Complete marks a dispatch as finished and stops tracking it for
// cancellation purposes.
func (cm *CancellationManager) Complete(taskID string, status Status) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if out, ok := cm.outstanding[taskID]; ok {
		out.Status = status
	}
}

// ListRunning returns every call still tracked as running.
func (cm *CancellationManager) ListRunning() []*Outstanding {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Outstanding, 0)
	for _, o := range cm.outstanding {
		if o.Status == StatusRunning {
			out = append(out, o)
		}
	}
	return out
}

// Cleanup removes terminal entries older than retention.
func (cm *CancellationManager) Cleanup(retention time.Duration) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	cleaned := 0
	for taskID, out := range cm.outstanding {
		if out.Status == StatusRunning {
			continue
		}
		ref := out.CancelledAt
		if ref.IsZero() {
			ref = out.StartedAt
		}
		if now.Sub(ref) > retention {
			delete(cm.outstanding, taskID)
			cleaned++
		}
	}
	return cleaned
}

// CancelAll aborts every running call, for graceful shutdown.
func (cm *CancellationManager) CancelAll(ctx context.Context, reason string) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cancelled := 0
	for taskID, out := range cm.outstanding {
		if out.Status == StatusRunning {
			out.CancelFunc()
			out.CancelReason = reason
			out.CancelledAt = time.Now()
			out.Status = StatusCanceled
			cm.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", taskID), attribute.String("reason", reason)))
			cancelled++
		}
	}
	return cancelled
}
