package workforce

import "testing"

func TestCoordinateLeastLoadedTieBreak(t *testing.T) {
	ready := []coordinatorTask{
		{id: "a", capabilities: []string{"k"}},
		{id: "b", capabilities: []string{"k"}},
	}
	workers := []coordinatorWorker{
		{id: "w2", capabilities: []string{"k"}, capacity: 1},
		{id: "w1", capabilities: []string{"k"}, capacity: 1},
	}
	got := coordinate(ready, workers)
	want := []Assignment{{TaskID: "a", WorkerID: "w1"}, {TaskID: "b", WorkerID: "w2"}}
	if len(got) != len(want) {
		t.Fatalf("got %d assignments, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("assignment %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestCoordinateSkipsDrainingWorkers(t *testing.T) {
	ready := []coordinatorTask{{id: "a", capabilities: nil}}
	workers := []coordinatorWorker{{id: "w1", capacity: 1, draining: true}}
	got := coordinate(ready, workers)
	if len(got) != 0 {
		t.Fatalf("expected no assignments against a draining worker, got %v", got)
	}
}

func TestCoordinateCapabilityMismatchLeavesTaskUnassigned(t *testing.T) {
	ready := []coordinatorTask{{id: "a", capabilities: []string{"gpu"}}}
	workers := []coordinatorWorker{{id: "w1", capabilities: []string{"cpu"}, capacity: 1}}
	got := coordinate(ready, workers)
	if len(got) != 0 {
		t.Fatalf("expected no assignment, got %v", got)
	}
}

func TestCoordinateNeverReordersReadyList(t *testing.T) {
	// w1 can only serve "b"; first-fit scanning passes over the
	// unmatched "a" in list order and assigns "b".
	ready := []coordinatorTask{
		{id: "a", capabilities: []string{"gpu"}},
		{id: "b", capabilities: []string{"cpu"}},
	}
	workers := []coordinatorWorker{
		{id: "w1", capabilities: []string{"cpu"}, capacity: 1},
	}
	got := coordinate(ready, workers)
	if len(got) != 1 || got[0].TaskID != "b" || got[0].WorkerID != "w1" {
		t.Fatalf("got %+v, want b assigned to w1", got)
	}
}

func TestCoordinateRespectsCapacity(t *testing.T) {
	ready := []coordinatorTask{{id: "a"}, {id: "b"}, {id: "c"}}
	workers := []coordinatorWorker{{id: "w1", capacity: 2}}
	got := coordinate(ready, workers)
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 assignments bounded by capacity, got %d", len(got))
	}
}
