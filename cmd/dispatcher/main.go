// Command dispatcher is the external caller the workforce engine
// assumes: it loads a plan, registers workers, drives Schedule on a cron
// tick, dispatches assignments to real HTTP workers wrapped in
// resilience primitives, and feeds results back via SubmitResult. It
// also durably mirrors the event log and channel onto BoltDB and
// optionally fans channel messages out over NATS.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/workforce/internal/bus"
	"github.com/swarmguard/workforce/internal/dispatch"
	"github.com/swarmguard/workforce/internal/eventstore"
	"github.com/swarmguard/workforce/internal/logging"
	"github.com/swarmguard/workforce/internal/otelinit"
	"github.com/swarmguard/workforce/internal/resilience"
	"github.com/swarmguard/workforce/pkg/workforce"
)

const serviceName = "workforce-dispatcher"

// planFile is the on-disk shape of WORKFORCE_PLAN_PATH: a plan plus
// the worker registrations to seed the engine with, mirroring the
// load_plan/register_worker pair from the engine's external
// interfaces.
type planFile struct {
	Plan struct {
		PlanID string `json:"plan_id"`
		Goal   string `json:"goal"`
		Tasks  []struct {
			TaskID               string         `json:"task_id"`
			Title                string         `json:"title"`
			RequiredCapabilities []string       `json:"required_capabilities"`
			DependsOn            []string       `json:"depends_on"`
			Priority             int            `json:"priority"`
			Metadata             map[string]any `json:"metadata"`
		} `json:"tasks"`
	} `json:"plan"`
	Workers []struct {
		WorkerID     string   `json:"worker_id"`
		Capabilities []string `json:"capabilities"`
		Capacity     int      `json:"capacity"`
		State        string   `json:"state"`
		Endpoint     string   `json:"endpoint"`
	} `json:"workers"`
}

func main() {
	logging.Init(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := loadConfig()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, metrics := otelinit.InitMetrics(ctx, serviceName)
	defer func() {
		sdCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		otelinit.Flush(sdCtx, shutdownTrace)
		_ = shutdownMetrics(sdCtx)
	}()

	store, err := eventstore.Open(cfg.DBPath, otel.GetMeterProvider().Meter(serviceName))
	if err != nil {
		slog.Error("eventstore open failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var messageBus *bus.Bus
	if cfg.NATSURL != "" {
		messageBus, err = bus.Connect(cfg.NATSURL, cfg.RunID)
		if err != nil {
			slog.Warn("nats connect failed, continuing without channel fan-out", "error", err)
		} else {
			defer messageBus.Close()
		}
	}

	engine := workforce.New(workforce.Config{RunID: cfg.RunID})
	endpoints := cfg.WorkerEndpoints

	if cfg.PlanPath != "" {
		if err := seedFromFile(engine, cfg.PlanPath, endpoints); err != nil {
			slog.Error("seed plan failed", "error", err)
			os.Exit(1)
		}
	}

	limiter := resilience.NewDispatchLimiter(cfg.RateLimitCapacity, float64(cfg.RateLimitPerSecond), time.Second, cfg.RateLimitCapacity*10)
	breaker := resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, cfg.CircuitMinSamples, 0.5, 10*time.Second, 3)
	retryPolicy := resilience.Policy{
		Attempts:  cfg.DispatchRetries,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
	}
	cancels := dispatch.NewCancellationManager(otel.GetMeterProvider().Meter(serviceName))

	executor := NewHTTPTaskExecutor(nil, func(workerID string) string { return endpoints[workerID] })

	dispatchFn := func(tickCtx context.Context, assignments []workforce.Assignment) {
		for _, a := range assignments {
			go dispatchOne(tickCtx, engine, executor, limiter, breaker, retryPolicy, cancels, metrics, a)
		}
		mirror(tickCtx, engine, store, messageBus)
	}

	scheduler := NewScheduler(engine, otel.GetMeterProvider().Meter(serviceName), dispatchFn)
	if err := scheduler.AddCronTick(cfg.CronExpr); err != nil {
		slog.Error("invalid cron expression", "cron", cfg.CronExpr, "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(engine.GetSnapshot())
	})
	mux.HandleFunc("/v1/stats", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(scheduler.Stats())
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("dispatcher started", "run_id", cfg.RunID, "cron", cfg.CronExpr, "addr", cfg.HTTPAddr)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	sdCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	_ = scheduler.Stop(sdCtx)
	cancels.CancelAll(sdCtx, "dispatcher shutting down")
	_ = srv.Shutdown(sdCtx)
	mirror(sdCtx, engine, store, messageBus)
	slog.Info("shutdown complete")
}

func seedFromFile(engine *workforce.Engine, path string, endpoints map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plan file: %w", err)
	}
	var seed planFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse plan file: %w", err)
	}

	plan := workforce.Plan{PlanID: seed.Plan.PlanID, Goal: seed.Plan.Goal}
	for _, t := range seed.Plan.Tasks {
		plan.Tasks = append(plan.Tasks, workforce.PlanTaskInput{
			TaskID:               t.TaskID,
			Title:                t.Title,
			RequiredCapabilities: t.RequiredCapabilities,
			DependsOn:            t.DependsOn,
			Priority:             t.Priority,
			Metadata:             t.Metadata,
		})
	}
	if err := engine.LoadPlan(plan); err != nil {
		return fmt.Errorf("load plan: %w", err)
	}

	for _, w := range seed.Workers {
		if err := engine.RegisterWorker(workforce.WorkerRegistration{
			WorkerID:     w.WorkerID,
			Capabilities: w.Capabilities,
			Capacity:     w.Capacity,
			State:        workforce.WorkerState(w.State),
		}); err != nil {
			return fmt.Errorf("register worker %q: %w", w.WorkerID, err)
		}
		if w.Endpoint != "" {
			endpoints[w.WorkerID] = w.Endpoint
		}
	}
	return nil
}

// dispatchOne executes one assignment against its worker endpoint,
// guarded by the rate limiter, circuit breaker, and retry policy,
// then feeds the outcome back into the engine via SubmitResult.
func dispatchOne(
	ctx context.Context,
	engine *workforce.Engine,
	executor TaskExecutor,
	limiter *resilience.DispatchLimiter,
	breaker *resilience.CircuitBreaker,
	retry resilience.Policy,
	cancels *dispatch.CancellationManager,
	metrics otelinit.Metrics,
	a workforce.Assignment,
) {
	if !limiter.Allow(a.WorkerID) || !breaker.Allow() {
		slog.Warn("dispatch throttled", "task_id", a.TaskID, "worker_id", a.WorkerID)
		_ = engine.SubmitResult(workforce.ResultEnvelope{
			TaskID: a.TaskID, WorkerID: a.WorkerID, Status: workforce.ResultFailed,
			Error: "dispatch throttled by rate limiter or open circuit",
		}, nil)
		return
	}

	callCtx, cancelCall := context.WithTimeout(ctx, 30*time.Second)
	defer cancelCall()
	cancels.Register(a.TaskID, a.WorkerID, cancelCall)

	var task workforce.TaskSnapshot
	for _, t := range engine.ListTasks() {
		if t.ID == a.TaskID {
			task = t
			break
		}
	}

	metrics.TasksDispatched.Add(callCtx, 1)
	output, err := resilience.Do(callCtx, retry, func(opCtx context.Context) (map[string]any, error) {
		return executor.Execute(opCtx, task, a.WorkerID)
	})
	breaker.RecordResult(err == nil)

	if err != nil {
		cancels.Complete(a.TaskID, dispatch.StatusFailed)
		_ = engine.SubmitResult(workforce.ResultEnvelope{
			TaskID: a.TaskID, WorkerID: a.WorkerID, Status: workforce.ResultFailed, Error: err.Error(),
		}, nil)
		return
	}
	cancels.Complete(a.TaskID, dispatch.StatusCompleted)
	metrics.TasksCompleted.Add(callCtx, 1)
	_ = engine.SubmitResult(workforce.ResultEnvelope{
		TaskID: a.TaskID, WorkerID: a.WorkerID, Status: workforce.ResultCompleted, Output: output,
	}, nil)
}

// mirror drains newly appended events and channel messages into the
// durable store and, if configured, fans channel messages out over
// NATS.
func mirror(ctx context.Context, engine *workforce.Engine, store *eventstore.Store, messageBus *bus.Bus) {
	lastEvent, _ := store.LastEventSequence(ctx)
	events := engine.DrainEvents(lastEvent, nil)
	if err := store.AppendEvents(ctx, events); err != nil {
		slog.Warn("mirror events failed", "error", err)
	}

	lastChannel, _ := store.LastChannelSequence(ctx)
	messages := engine.ListChannelMessages(lastChannel, nil)
	if err := store.AppendChannelMessages(ctx, messages); err != nil {
		slog.Warn("mirror channel messages failed", "error", err)
	}

	if messageBus != nil {
		for _, m := range messages {
			body, err := json.Marshal(m)
			if err != nil {
				continue
			}
			if err := messageBus.PublishChannelMessage(ctx, m, body); err != nil {
				slog.Warn("bus publish failed", "error", err, "task_id", m.TaskID)
			}
		}
	}

	snap := engine.GetSnapshot()
	if err := store.SetRunMeta(snap.RunID, snap.EventCursor, snap.ChannelCursor); err != nil {
		slog.Warn("set run meta failed", "error", err)
	}
}
