package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/workforce/pkg/workforce"
)

// Scheduler drives the engine's schedule tick on a cron expression
// instead of a bare loop.
type Scheduler struct {
	cron   *cron.Cron
	engine *workforce.Engine
	onTick func(context.Context, []workforce.Assignment)

	mu        sync.Mutex
	runs      int
	failures  int
	lastTick  uint64
	lastError string

	tickRuns  metric.Int64Counter
	tickFails metric.Int64Counter
	tracer    trace.Tracer
}

// NewScheduler builds a cron-driven scheduler over engine. cronExpr
// must include seconds precision (cron.WithSeconds()).
func NewScheduler(engine *workforce.Engine, meter metric.Meter, onTick func(context.Context, []workforce.Assignment)) *Scheduler {
	runs, _ := meter.Int64Counter("workforce_schedule_runs_total")
	fails, _ := meter.Int64Counter("workforce_schedule_failures_total")
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		engine:    engine,
		onTick:    onTick,
		tickRuns:  runs,
		tickFails: fails,
		tracer:    otel.Tracer("workforce-dispatcher-scheduler"),
	}
}

// AddCronTick registers the recurring schedule() call.
func (s *Scheduler) AddCronTick(cronExpr string) error {
	_, err := s.cron.AddFunc(cronExpr, func() { s.tick(context.Background()) })
	return err
}

func (s *Scheduler) tick(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	assignments, err := s.engine.Schedule(nil)

	s.mu.Lock()
	s.runs++
	if err != nil {
		s.failures++
		s.lastError = err.Error()
	} else {
		s.lastError = ""
		s.lastTick = s.engine.GetSnapshot().EventCursor
	}
	s.mu.Unlock()

	if err != nil {
		s.tickFails.Add(ctx, 1)
		slog.Warn("schedule tick failed", "error", err)
		return
	}
	s.tickRuns.Add(ctx, 1)
	if s.onTick != nil {
		s.onTick(ctx, assignments)
	}
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop gracefully drains in-flight cron jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats summarizes cron run counts and the last observed event
// cursor.
type Stats struct {
	Runs      int    `json:"runs"`
	Failures  int    `json:"failures"`
	LastTick  uint64 `json:"last_tick"`
	LastError string `json:"last_error,omitempty"`
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Runs: s.runs, Failures: s.failures, LastTick: s.lastTick, LastError: s.lastError}
}
