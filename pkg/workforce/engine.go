// Package workforce implements a deterministic, in-memory scheduler
// that coordinates a DAG of tasks across a pool of capability-typed
// workers, with retry/escalation policy, a totally-ordered event log,
// and a broadcast channel of task/result messages.
//
// The engine is a single owned value; it introduces no module-level or
// process-wide state. It is not internally concurrent: every public
// method is a single atomic step with no suspension points, and a
// threaded caller is expected to serialize access with a mutex at the
// call boundary, which Engine does for you.
package workforce

import (
	"sort"
	"sync"
)

// FailurePolicy controls retry count, linear backoff, and escalation
// threshold on task failure.
type FailurePolicy struct {
	RetryCount    int    `json:"retry_count"`
	BackoffMS     uint64 `json:"backoff_ms"`
	EscalateAfter int    `json:"escalate_after"`
}

// DefaultFailurePolicy is used when Config.FailurePolicy is the zero
// value.
var DefaultFailurePolicy = FailurePolicy{RetryCount: 2, BackoffMS: 1000, EscalateAfter: 3}

// Config configures a new Engine.
type Config struct {
	RunID         string
	EventVersion  int
	FailurePolicy *FailurePolicy // nil means DefaultFailurePolicy
}

// Engine owns the task graph, worker registry, event log, channel, and
// dead-letter list for one run.
type Engine struct {
	mu sync.Mutex

	runID        string
	eventVersion int
	policy       FailurePolicy

	planID *string
	goal   *string

	tasks        map[string]*Task
	dependents   map[string][]string // taskID -> sorted dependent task ids
	nextSequence uint64

	workers map[string]*Worker

	log     *EventLog
	channel *TaskChannel

	deadLetters   []string
	deadLetterSet map[string]struct{}
	logicalTime   uint64
}

// New creates a fresh Engine per the given Config.
func New(cfg Config) *Engine {
	policy := DefaultFailurePolicy
	if cfg.FailurePolicy != nil {
		policy = *cfg.FailurePolicy
	}
	runID := cfg.RunID
	if runID == "" {
		runID = "workforce-run"
	}
	version := cfg.EventVersion
	if version == 0 {
		version = 1
	}
	e := &Engine{
		runID:        runID,
		eventVersion: version,
		policy:       policy,
		workers:      make(map[string]*Worker),
	}
	e.resetRunState()
	return e
}

// resetRunState clears task graph, channel, dead-letters, logical
// time, and event log. It does not touch the worker registry; callers
// decide whether workers survive (LoadPlan keeps them, Reset clears
// them too).
func (e *Engine) resetRunState() {
	e.planID = nil
	e.goal = nil
	e.tasks = make(map[string]*Task)
	e.dependents = make(map[string][]string)
	e.nextSequence = 1
	e.log = newEventLog()
	e.channel = newTaskChannel()
	e.deadLetters = nil
	e.deadLetterSet = make(map[string]struct{})
	e.logicalTime = 0
}

// resolveTime advances logical time: an explicit now must not regress,
// an absent now increments by one.
func (e *Engine) resolveTime(now *uint64) (uint64, error) {
	if now != nil {
		if *now < e.logicalTime {
			return 0, newPreconditionErr(CodeInvalidTime, "now=%d precedes current logical time %d", *now, e.logicalTime)
		}
		e.logicalTime = *now
		return e.logicalTime, nil
	}
	e.logicalTime++
	return e.logicalTime, nil
}

func (e *Engine) emit(evType EventType, taskID, workerID string, t *uint64, payload map[string]any) Event {
	ev := Event{
		EventVersion: e.eventVersion,
		RunID:        e.runID,
		Type:         evType,
		TaskID:       taskID,
		WorkerID:     workerID,
		LogicalTime:  t,
		Payload:      payload,
	}
	return e.log.append(ev)
}

// LoadPlan validates and installs a new plan, replacing the task graph
// wholesale. Workers are not affected.
func (e *Engine) LoadPlan(plan Plan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := validatePlan(plan); err != nil {
		return err
	}

	e.resetRunState()
	planID := plan.PlanID
	e.planID = &planID
	if plan.Goal != "" {
		goal := plan.Goal
		e.goal = &goal
	}

	e.emit(EventPlanCreated, "", "", nil, map[string]any{"planId": plan.PlanID})

	for _, in := range plan.Tasks {
		task := &Task{
			ID:                   in.TaskID,
			Title:                in.Title,
			RequiredCapabilities: sortDedup(in.RequiredCapabilities),
			DependsOn:            sortDedup(in.DependsOn),
			Priority:             in.Priority,
			Sequence:             e.nextSequence,
			Metadata:             cloneMap(in.Metadata),
		}
		e.nextSequence++
		e.tasks[task.ID] = task
	}

	for _, task := range e.tasks {
		for _, dep := range task.DependsOn {
			e.dependents[dep] = append(e.dependents[dep], task.ID)
		}
	}
	for dep := range e.dependents {
		sort.Strings(e.dependents[dep])
	}

	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		task := e.tasks[id]
		if len(task.DependsOn) == 0 {
			task.Status = StatusQueued
			e.emit(EventTaskQueued, task.ID, "", nil, map[string]any{"reason": "plan_load"})
			e.channel.publishTask(task)
		} else {
			task.Status = StatusBlocked
			task.BlockReason = BlockDependencies
			e.emit(EventTaskBlocked, task.ID, "", nil, map[string]any{"reason": "dependencies"})
		}
	}

	return nil
}

// RegisterWorker inserts or replaces a worker record.
// Re-registration replaces capabilities, capacity, and the draining
// flag but preserves active_count, since tasks already assigned to
// this worker id remain running and invariant 3 (active_count equals
// the count of running tasks assigned to the worker) must hold across
// the call.
func (e *Engine) RegisterWorker(reg WorkerRegistration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	capacity := reg.Capacity
	if capacity < 1 {
		capacity = 1
	}

	existing, ok := e.workers[reg.WorkerID]
	activeCount := 0
	if ok {
		activeCount = existing.ActiveCount
	}

	w := &Worker{
		ID:           reg.WorkerID,
		Capabilities: sortDedup(reg.Capabilities),
		Capacity:     capacity,
		ActiveCount:  activeCount,
	}
	if reg.State == WorkerDraining {
		w.draining = true
	}
	w.recomputeState()
	e.workers[reg.WorkerID] = w

	e.emit(EventWorkerRegistered, "", reg.WorkerID, nil, map[string]any{
		"capabilities": append([]string(nil), w.Capabilities...),
		"capacity":     w.Capacity,
	})
	return nil
}

// Schedule runs one scheduling tick: unblock sweep, ready-set
// computation, and coordinator assignment.
func (e *Engine) Schedule(nowMs *uint64) ([]Assignment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.planID == nil {
		return nil, newPreconditionErr(CodePlanNotLoaded, "no plan has been loaded")
	}

	now, err := e.resolveTime(nowMs)
	if err != nil {
		return nil, err
	}
	e.emit(EventSchedulerTick, "", "", &now, nil)

	e.unblockSweep(now)

	ready := e.readySet()
	coordReady := make([]coordinatorTask, len(ready))
	for i, t := range ready {
		coordReady[i] = coordinatorTask{id: t.ID, capabilities: t.RequiredCapabilities}
	}

	workerIDs := make([]string, 0, len(e.workers))
	for id := range e.workers {
		workerIDs = append(workerIDs, id)
	}
	sort.Strings(workerIDs)
	coordWorkers := make([]coordinatorWorker, len(workerIDs))
	for i, id := range workerIDs {
		w := e.workers[id]
		coordWorkers[i] = coordinatorWorker{
			id:           w.ID,
			capabilities: w.Capabilities,
			capacity:     w.Capacity,
			activeCount:  w.ActiveCount,
			draining:     w.draining,
		}
	}

	assignments := coordinate(coordReady, coordWorkers)

	for _, a := range assignments {
		task := e.tasks[a.TaskID]
		worker := e.workers[a.WorkerID]

		task.Status = StatusRunning
		task.AssignedWorkerID = worker.ID
		if task.Attempt < int(^uint(0)>>1) {
			task.Attempt++
		}
		task.BlockReason = ""
		task.BlockedUntil = nil

		worker.ActiveCount++
		worker.recomputeState()

		e.emit(EventTaskAssigned, task.ID, worker.ID, &now, map[string]any{"attempt": task.Attempt, "priority": task.Priority})
		e.emit(EventTaskStarted, task.ID, worker.ID, &now, map[string]any{"attempt": task.Attempt, "priority": task.Priority})
	}

	return assignments, nil
}

// unblockSweep revisits every blocked task in deterministic (task id)
// order: backoff blocks expire when blocked_until is reached,
// dependency blocks clear when every dependency has completed.
// Escalated tasks are never swept.
func (e *Engine) unblockSweep(now uint64) {
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		task := e.tasks[id]
		if task.Status != StatusBlocked {
			continue
		}
		switch task.BlockReason {
		case BlockBackoff:
			if task.BlockedUntil != nil && *task.BlockedUntil <= now {
				e.unblockToQueued(task, now)
			}
		case BlockDependencies:
			if dependenciesComplete(task, e.tasks) {
				e.unblockToQueued(task, now)
			}
		case BlockEscalated:
			// never swept automatically
		}
	}
}

func (e *Engine) unblockToQueued(task *Task, now uint64) {
	task.Status = StatusQueued
	task.BlockReason = ""
	task.BlockedUntil = nil
	e.emit(EventTaskQueued, task.ID, "", &now, map[string]any{"reason": "unblocked"})
	e.channel.publishTask(task)
}

// readySet collects queued tasks whose dependencies are all completed
// and sorts them by (priority, sequence, task id).
func (e *Engine) readySet() []*Task {
	ready := make([]*Task, 0)
	for _, task := range e.tasks {
		if task.Status == StatusQueued && dependenciesComplete(task, e.tasks) {
			ready = append(ready, task)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		if ready[i].Sequence != ready[j].Sequence {
			return ready[i].Sequence < ready[j].Sequence
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// ResultStatus is the outcome a worker reports for an assignment.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultCanceled  ResultStatus = "canceled"
)

// ResultEnvelope is submitted by the caller once a dispatched task
// finishes.
type ResultEnvelope struct {
	TaskID   string         `json:"task_id"`
	WorkerID string         `json:"worker_id"`
	Status   ResultStatus   `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SubmitResult records the outcome of a dispatched assignment and
// applies retry/escalation/dead-letter policy.
func (e *Engine) SubmitResult(result ResultEnvelope, nowMs *uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.planID == nil {
		return newPreconditionErr(CodePlanNotLoaded, "no plan has been loaded")
	}

	task, ok := e.tasks[result.TaskID]
	if !ok {
		return newPreconditionErr(CodeTaskNotFound, "unknown task %q", result.TaskID)
	}

	if isTerminal(task.Status) {
		return e.recordLateResult(task, result, nowMs)
	}

	if result.WorkerID != task.AssignedWorkerID {
		return newPreconditionErr(CodeInvalidResult, "result worker %q does not match assigned worker %q", result.WorkerID, task.AssignedWorkerID)
	}

	worker, ok := e.workers[result.WorkerID]
	if !ok {
		return newPreconditionErr(CodeWorkerNotFound, "unknown worker %q", result.WorkerID)
	}

	switch result.Status {
	case ResultCompleted, ResultFailed, ResultCanceled:
	default:
		return newPreconditionErr(CodeInvalidResult, "unknown result status %q", result.Status)
	}

	now, err := e.resolveTime(nowMs)
	if err != nil {
		return err
	}

	switch result.Status {
	case ResultCompleted:
		task.Status = StatusCompleted
		task.LastResult = cloneMap(result.Output)
		task.LastError = ""
		task.AssignedWorkerID = ""
		e.emit(EventTaskCompleted, task.ID, worker.ID, &now, map[string]any{"attempt": task.Attempt})
	case ResultFailed:
		task.FailureCount++
		task.LastError = result.Error
		task.AssignedWorkerID = ""
		e.emit(EventTaskFailed, task.ID, worker.ID, &now, map[string]any{"attempt": task.Attempt})
		e.applyFailurePolicy(task, now)
	case ResultCanceled:
		task.Status = StatusCanceled
		task.LastError = result.Error
		task.AssignedWorkerID = ""
		e.emit(EventTaskCanceled, task.ID, worker.ID, &now, map[string]any{"attempt": task.Attempt})
	}

	if worker.ActiveCount > 0 {
		worker.ActiveCount--
	}
	worker.recomputeState()

	e.channel.publishResult(result)
	e.emit(EventResultPublished, task.ID, worker.ID, &now, nil)

	if result.Status == ResultCompleted {
		e.resolveDependents(task.ID, now)
	}

	return nil
}

// recordLateResult handles an envelope for a task that reached a
// terminal status while its worker was still running it (cancel_task
// against a running task). The envelope is recorded and the worker's
// active_count released, but the terminal status is never re-opened.
func (e *Engine) recordLateResult(task *Task, result ResultEnvelope, nowMs *uint64) error {
	if task.pendingWorkerID == "" || result.WorkerID != task.pendingWorkerID {
		return newPreconditionErr(CodeInvalidResult, "task %q is already terminal (%s)", task.ID, task.Status)
	}
	worker, ok := e.workers[result.WorkerID]
	if !ok {
		return newPreconditionErr(CodeWorkerNotFound, "unknown worker %q", result.WorkerID)
	}
	now, err := e.resolveTime(nowMs)
	if err != nil {
		return err
	}

	task.pendingWorkerID = ""
	if worker.ActiveCount > 0 {
		worker.ActiveCount--
	}
	worker.recomputeState()

	e.channel.publishResult(result)
	e.emit(EventResultPublished, task.ID, worker.ID, &now, map[string]any{"late": true})
	return nil
}

// applyFailurePolicy decides between retry backoff, escalation, and
// dead-lettering after a failed result.
func (e *Engine) applyFailurePolicy(task *Task, now uint64) {
	if task.Attempt <= e.policy.RetryCount {
		backoff := e.policy.BackoffMS * uint64(max(task.Attempt, 1))
		until := now + backoff
		task.Status = StatusBlocked
		task.BlockReason = BlockBackoff
		task.BlockedUntil = &until
		e.emit(EventTaskRetryScheduled, task.ID, "", &now, map[string]any{
			"backoff_ms":   backoff,
			"next_attempt": task.Attempt + 1,
		})
		return
	}

	if e.policy.EscalateAfter > 0 && task.FailureCount >= e.policy.EscalateAfter {
		task.Status = StatusBlocked
		task.BlockReason = BlockEscalated
		task.BlockedUntil = nil
		e.emit(EventTaskEscalated, task.ID, "", &now, map[string]any{"failures": task.FailureCount})
		return
	}

	task.Status = StatusFailed
	if _, already := e.deadLetterSet[task.ID]; !already {
		e.deadLetterSet[task.ID] = struct{}{}
		e.deadLetters = append(e.deadLetters, task.ID)
	}
	e.emit(EventTaskDeadLettered, task.ID, "", &now, map[string]any{"failures": task.FailureCount})
}

// resolveDependents unblocks dependents of a just-completed task whose
// dependencies are now all satisfied.
func (e *Engine) resolveDependents(taskID string, now uint64) {
	for _, depID := range e.dependents[taskID] {
		dep := e.tasks[depID]
		if dep == nil || dep.Status != StatusBlocked || dep.BlockReason != BlockDependencies {
			continue
		}
		if dependenciesComplete(dep, e.tasks) {
			dep.Status = StatusQueued
			dep.BlockReason = ""
			dep.BlockedUntil = nil
			e.emit(EventTaskQueued, dep.ID, "", &now, map[string]any{"reason": "dependencies_resolved"})
			e.channel.publishTask(dep)
		}
	}
}

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// CancelTask transitions a task to canceled. A task_canceled event is
// always emitted, even against an already-terminal task, but status is
// never re-opened once terminal.
func (e *Engine) CancelTask(taskID string, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.planID == nil {
		return newPreconditionErr(CodePlanNotLoaded, "no plan has been loaded")
	}
	task, ok := e.tasks[taskID]
	if !ok {
		return newPreconditionErr(CodeTaskNotFound, "unknown task %q", taskID)
	}

	if !isTerminal(task.Status) {
		if task.Status == StatusRunning {
			// the worker count is released only when its result
			// envelope arrives
			task.pendingWorkerID = task.AssignedWorkerID
		}
		task.Status = StatusCanceled
		task.AssignedWorkerID = ""
		task.BlockReason = ""
		task.BlockedUntil = nil
		if reason != "" {
			task.LastError = reason
		}
	}

	e.emit(EventTaskCanceled, task.ID, "", nil, map[string]any{"reason": reason})
	return nil
}

// TaskSnapshot is a read-only, sorted view of a Task for external
// consumers.
type TaskSnapshot struct {
	Task
}

// ListTasks returns snapshots sorted by ascending priority then
// ascending task id.
func (e *Engine) ListTasks() []TaskSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]TaskSnapshot, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, TaskSnapshot{Task: *t.clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListWorkers returns snapshots sorted by ascending worker id.
func (e *Engine) ListWorkers() []Worker {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Worker, 0, len(e.workers))
	for _, w := range e.workers {
		out = append(out, *w.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DrainEvents returns events with Sequence > after (after=0 returns
// all), truncated to limit when non-nil. It never deletes.
func (e *Engine) DrainEvents(after uint64, limit *int) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.log.drain(after, limit)
}

// ListChannelMessages returns channel messages with Sequence > after.
func (e *Engine) ListChannelMessages(after uint64, limit *int) []ChannelMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channel.drain(after, limit)
}

// DeadLetters returns the ordered, deduplicated list of terminally
// failed task ids.
func (e *Engine) DeadLetters() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.deadLetters...)
}

// Snapshot is the return value of GetSnapshot.
type Snapshot struct {
	RunID         string         `json:"run_id"`
	PlanID        *string        `json:"plan_id"`
	Goal          *string        `json:"goal"`
	Tasks         []TaskSnapshot `json:"tasks"`
	Workers       []Worker       `json:"workers"`
	EventCursor   uint64         `json:"event_cursor"`
	ChannelCursor uint64         `json:"channel_cursor"`
}

// GetSnapshot returns a consistent point-in-time view of the engine.
func (e *Engine) GetSnapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	tasks := make([]TaskSnapshot, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, TaskSnapshot{Task: *t.clone()})
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].ID < tasks[j].ID
	})

	workers := make([]Worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, *w.clone())
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	var planID, goal *string
	if e.planID != nil {
		v := *e.planID
		planID = &v
	}
	if e.goal != nil {
		v := *e.goal
		goal = &v
	}

	return Snapshot{
		RunID:         e.runID,
		PlanID:        planID,
		Goal:          goal,
		Tasks:         tasks,
		Workers:       workers,
		EventCursor:   e.log.cursor(),
		ChannelCursor: e.channel.cursor(),
	}
}

// Reset returns the engine to its initial condition, preserving
// run_id and event_version but clearing the task graph, worker
// registry, channel, dead-letters, logical time, and event log
//.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workers = make(map[string]*Worker)
	e.resetRunState()
}
