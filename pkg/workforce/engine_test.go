package workforce

import "testing"

func u64(v uint64) *uint64 { return &v }

func mustLoadPlan(t *testing.T, e *Engine, plan Plan) {
	t.Helper()
	if err := e.LoadPlan(plan); err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}
}

func mustRegisterWorker(t *testing.T, e *Engine, reg WorkerRegistration) {
	t.Helper()
	if err := e.RegisterWorker(reg); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
}

func assignmentsEqual(got []Assignment, want []Assignment) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// Linear two-task plan, one worker, happy path.
func TestScenarioLinearHappyPath(t *testing.T) {
	e := New(Config{RunID: "r"})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{
		{TaskID: "a", RequiredCapabilities: []string{"build"}},
		{TaskID: "b", RequiredCapabilities: []string{"build"}, DependsOn: []string{"a"}},
	}})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capabilities: []string{"build"}, Capacity: 1})

	got, err := e.Schedule(u64(10))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !assignmentsEqual(got, []Assignment{{TaskID: "a", WorkerID: "w"}}) {
		t.Fatalf("got %+v, want [{a w}]", got)
	}

	if err := e.SubmitResult(ResultEnvelope{TaskID: "a", WorkerID: "w", Status: ResultCompleted, Output: map[string]any{}}, u64(11)); err != nil {
		t.Fatalf("submit a: %v", err)
	}

	got, err = e.Schedule(u64(12))
	if err != nil {
		t.Fatalf("schedule 2: %v", err)
	}
	if !assignmentsEqual(got, []Assignment{{TaskID: "b", WorkerID: "w"}}) {
		t.Fatalf("got %+v, want [{b w}]", got)
	}

	if err := e.SubmitResult(ResultEnvelope{TaskID: "b", WorkerID: "w", Status: ResultCompleted}, u64(13)); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	tasks := e.ListTasks()
	for _, ts := range tasks {
		if ts.Status != StatusCompleted {
			t.Fatalf("task %s: got status %s, want completed", ts.ID, ts.Status)
		}
	}

	wantTypes := []EventType{
		EventPlanCreated, EventTaskQueued, EventTaskBlocked, EventWorkerRegistered,
		EventSchedulerTick, EventTaskAssigned, EventTaskStarted, EventTaskCompleted, EventResultPublished, EventTaskQueued,
		EventSchedulerTick, EventTaskAssigned, EventTaskStarted, EventTaskCompleted, EventResultPublished,
	}
	events := e.DrainEvents(0, nil)
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(wantTypes), events)
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("event %d: got %s, want %s", i, events[i].Type, want)
		}
	}
}

// Capability mismatch.
func TestScenarioCapabilityMismatch(t *testing.T) {
	e := New(Config{})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{
		{TaskID: "a", RequiredCapabilities: []string{"gpu"}},
	}})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capabilities: []string{"cpu"}, Capacity: 1})

	got, err := e.Schedule(nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no assignment, got %+v", got)
	}

	tasks := e.ListTasks()
	if tasks[0].Status != StatusQueued {
		t.Fatalf("got status %s, want queued", tasks[0].Status)
	}
	for _, ev := range e.DrainEvents(0, nil) {
		if ev.Type == EventTaskAssigned {
			t.Fatalf("task_assigned should never be emitted on capability mismatch")
		}
	}
}

// Retry with linear backoff, then escalation.
func TestScenarioRetryThenEscalate(t *testing.T) {
	policy := FailurePolicy{RetryCount: 1, BackoffMS: 10, EscalateAfter: 2}
	e := New(Config{FailurePolicy: &policy})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{{TaskID: "a"}}})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capacity: 1})

	got, err := e.Schedule(u64(3))
	if err != nil || !assignmentsEqual(got, []Assignment{{TaskID: "a", WorkerID: "w"}}) {
		t.Fatalf("schedule(3): got %+v, err %v", got, err)
	}

	if err := e.SubmitResult(ResultEnvelope{TaskID: "a", WorkerID: "w", Status: ResultFailed, Error: "boom"}, u64(4)); err != nil {
		t.Fatalf("submit fail 1: %v", err)
	}

	tasks := e.ListTasks()
	if tasks[0].Status != StatusBlocked || tasks[0].BlockReason != BlockBackoff {
		t.Fatalf("got status=%s reason=%s, want blocked(backoff)", tasks[0].Status, tasks[0].BlockReason)
	}
	if tasks[0].BlockedUntil == nil || *tasks[0].BlockedUntil != 14 {
		t.Fatalf("got blocked_until=%v, want 14", tasks[0].BlockedUntil)
	}

	got, err = e.Schedule(u64(10))
	if err != nil || len(got) != 0 {
		t.Fatalf("schedule(10): got %+v, err %v, want empty (still in backoff)", got, err)
	}

	got, err = e.Schedule(u64(14))
	if err != nil || !assignmentsEqual(got, []Assignment{{TaskID: "a", WorkerID: "w"}}) {
		t.Fatalf("schedule(14): got %+v, err %v", got, err)
	}

	if err := e.SubmitResult(ResultEnvelope{TaskID: "a", WorkerID: "w", Status: ResultFailed, Error: "boom again"}, u64(15)); err != nil {
		t.Fatalf("submit fail 2: %v", err)
	}

	tasks = e.ListTasks()
	if tasks[0].Status != StatusBlocked || tasks[0].BlockReason != BlockEscalated {
		t.Fatalf("got status=%s reason=%s, want blocked(escalated)", tasks[0].Status, tasks[0].BlockReason)
	}
	for _, id := range e.DeadLetters() {
		if id == "a" {
			t.Fatalf("escalated task must not enter the dead-letter list")
		}
	}

	foundEscalated := false
	for _, ev := range e.DrainEvents(0, nil) {
		if ev.Type == EventTaskEscalated {
			foundEscalated = true
		}
	}
	if !foundEscalated {
		t.Fatalf("expected a task_escalated event")
	}
}

// Cycle rejection.
func TestScenarioCycleRejection(t *testing.T) {
	e := New(Config{})
	err := e.LoadPlan(Plan{PlanID: "p", Tasks: []PlanTaskInput{
		{TaskID: "x", DependsOn: []string{"y"}},
		{TaskID: "y", DependsOn: []string{"x"}},
	}})
	werr, ok := err.(*Error)
	if !ok || werr.Code != CodeCycleDetected {
		t.Fatalf("got %v, want cycle_detected", err)
	}
	snap := e.GetSnapshot()
	if len(snap.Tasks) != 0 {
		t.Fatalf("got %d tasks after rejected load, want 0", len(snap.Tasks))
	}
}

// Least-loaded tie-break across two equally idle
// workers with identical capabilities.
func TestScenarioLeastLoadedTieBreak(t *testing.T) {
	e := New(Config{})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{
		{TaskID: "a", RequiredCapabilities: []string{"k"}},
		{TaskID: "b", RequiredCapabilities: []string{"k"}},
	}})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w2", Capabilities: []string{"k"}, Capacity: 1})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w1", Capabilities: []string{"k"}, Capacity: 1})

	got, err := e.Schedule(nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	want := []Assignment{{TaskID: "a", WorkerID: "w1"}, {TaskID: "b", WorkerID: "w2"}}
	if !assignmentsEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

// Time regression rejected.
func TestScenarioTimeRegressionRejected(t *testing.T) {
	e := New(Config{})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{{TaskID: "a"}}})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capacity: 1})

	if _, err := e.Schedule(u64(10)); err != nil {
		t.Fatalf("schedule(10): %v", err)
	}

	before := e.GetSnapshot()
	_, err := e.Schedule(u64(5))
	werr, ok := err.(*Error)
	if !ok || werr.Code != CodeInvalidTime {
		t.Fatalf("got %v, want invalid_time", err)
	}
	after := e.GetSnapshot()
	if after.EventCursor != before.EventCursor {
		t.Fatalf("state mutated despite rejected time regression: cursor %d -> %d", before.EventCursor, after.EventCursor)
	}
}

func TestResetClearsWorkersAndGraph(t *testing.T) {
	e := New(Config{})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{{TaskID: "a"}}})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capacity: 1})
	e.Schedule(u64(1))

	e.Reset()

	snap := e.GetSnapshot()
	if snap.PlanID != nil || snap.Goal != nil {
		t.Fatalf("got plan_id=%v goal=%v, want both nil", snap.PlanID, snap.Goal)
	}
	if len(snap.Tasks) != 0 || len(snap.Workers) != 0 {
		t.Fatalf("got %d tasks, %d workers, want both empty", len(snap.Tasks), len(snap.Workers))
	}
	if snap.EventCursor != 0 || snap.ChannelCursor != 0 {
		t.Fatalf("got event_cursor=%d channel_cursor=%d, want both 0", snap.EventCursor, snap.ChannelCursor)
	}
}

func TestReregisterWorkerIsIdempotentInListing(t *testing.T) {
	e := New(Config{})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capacity: 2})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capacity: 4})

	workers := e.ListWorkers()
	if len(workers) != 1 {
		t.Fatalf("got %d worker records, want exactly 1", len(workers))
	}
	if workers[0].Capacity != 4 {
		t.Fatalf("got capacity %d, want replaced value 4", workers[0].Capacity)
	}
}

func TestReregisterWorkerPreservesActiveCount(t *testing.T) {
	e := New(Config{})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{{TaskID: "a"}}})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capacity: 1})
	if _, err := e.Schedule(u64(1)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capacity: 2})

	workers := e.ListWorkers()
	if workers[0].ActiveCount != 1 {
		t.Fatalf("got active_count=%d, want preserved value 1", workers[0].ActiveCount)
	}
	if workers[0].State != WorkerBusy {
		t.Fatalf("got state=%s, want busy (recomputed from preserved active_count)", workers[0].State)
	}
}

func TestDrainEventsAfterCursorIsEmpty(t *testing.T) {
	e := New(Config{})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{{TaskID: "a"}}})
	snap := e.GetSnapshot()
	if got := e.DrainEvents(snap.EventCursor, nil); len(got) != 0 {
		t.Fatalf("got %d events after cursor, want 0", len(got))
	}
}

func TestSubmitResultAgainstTerminalTaskRejected(t *testing.T) {
	e := New(Config{})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{{TaskID: "a"}}})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capacity: 1})
	e.Schedule(u64(1))
	if err := e.SubmitResult(ResultEnvelope{TaskID: "a", WorkerID: "w", Status: ResultCompleted}, u64(2)); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	err := e.SubmitResult(ResultEnvelope{TaskID: "a", WorkerID: "w", Status: ResultCompleted}, u64(3))
	werr, ok := err.(*Error)
	if !ok || werr.Code != CodeInvalidResult {
		t.Fatalf("got %v, want invalid_result", err)
	}
}

func TestCancelTaskDoesNotReopenTerminalStatus(t *testing.T) {
	e := New(Config{})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{{TaskID: "a"}}})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capacity: 1})
	e.Schedule(u64(1))
	if err := e.SubmitResult(ResultEnvelope{TaskID: "a", WorkerID: "w", Status: ResultCompleted}, u64(2)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := e.CancelTask("a", "too late"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	tasks := e.ListTasks()
	if tasks[0].Status != StatusCompleted {
		t.Fatalf("got status=%s, want completed (terminal status must not be reopened)", tasks[0].Status)
	}

	found := false
	for _, ev := range e.DrainEvents(0, nil) {
		if ev.Type == EventTaskCanceled {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected task_canceled to still be emitted against a terminal task")
	}
}

func TestLateResultAfterCancelReleasesWorker(t *testing.T) {
	e := New(Config{})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{{TaskID: "a"}}})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capacity: 1})
	e.Schedule(u64(1))

	if err := e.CancelTask("a", "operator abort"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	workers := e.ListWorkers()
	if workers[0].ActiveCount != 1 {
		t.Fatalf("got active_count=%d right after cancel, want 1 (released only on result)", workers[0].ActiveCount)
	}

	if err := e.SubmitResult(ResultEnvelope{TaskID: "a", WorkerID: "w", Status: ResultCompleted}, u64(2)); err != nil {
		t.Fatalf("late result: %v", err)
	}
	workers = e.ListWorkers()
	if workers[0].ActiveCount != 0 || workers[0].State != WorkerIdle {
		t.Fatalf("got active_count=%d state=%s, want released idle worker", workers[0].ActiveCount, workers[0].State)
	}
	tasks := e.ListTasks()
	if tasks[0].Status != StatusCanceled {
		t.Fatalf("got status=%s, want canceled (late result must not re-open it)", tasks[0].Status)
	}

	err := e.SubmitResult(ResultEnvelope{TaskID: "a", WorkerID: "w", Status: ResultCompleted}, u64(3))
	werr, ok := err.(*Error)
	if !ok || werr.Code != CodeInvalidResult {
		t.Fatalf("got %v, want invalid_result on second late result", err)
	}
}

func TestActiveCountInvariantAcrossFullCycle(t *testing.T) {
	e := New(Config{})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{{TaskID: "a"}, {TaskID: "b"}}})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capacity: 2})

	if _, err := e.Schedule(u64(1)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	checkActiveCountInvariant(t, e)

	if err := e.SubmitResult(ResultEnvelope{TaskID: "a", WorkerID: "w", Status: ResultCompleted}, u64(2)); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	checkActiveCountInvariant(t, e)

	if err := e.SubmitResult(ResultEnvelope{TaskID: "b", WorkerID: "w", Status: ResultFailed}, u64(3)); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	checkActiveCountInvariant(t, e)
}

func checkActiveCountInvariant(t *testing.T, e *Engine) {
	t.Helper()
	snap := e.GetSnapshot()
	running := 0
	for _, ts := range snap.Tasks {
		if ts.Status == StatusRunning {
			running++
		}
	}
	sum := 0
	for _, w := range snap.Workers {
		sum += w.ActiveCount
	}
	if sum != running {
		t.Fatalf("sum(active_count)=%d, count(running)=%d, invariant violated", sum, running)
	}
}

func TestEventSequenceHasNoGaps(t *testing.T) {
	e := New(Config{})
	mustLoadPlan(t, e, Plan{PlanID: "p", Tasks: []PlanTaskInput{{TaskID: "a"}}})
	mustRegisterWorker(t, e, WorkerRegistration{WorkerID: "w", Capacity: 1})
	e.Schedule(u64(1))
	e.SubmitResult(ResultEnvelope{TaskID: "a", WorkerID: "w", Status: ResultCompleted}, u64(2))

	events := e.DrainEvents(0, nil)
	for i, ev := range events {
		if ev.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d, want %d", i, ev.Sequence, i+1)
		}
	}
}
