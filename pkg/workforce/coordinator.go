package workforce

import "sort"

// Assignment pairs a ready task with the worker chosen to run it.
type Assignment struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

// coordinatorTask is the minimal view the coordinator needs of a ready
// task; it never mutates the underlying Task.
type coordinatorTask struct {
	id           string
	capabilities []string
}

// coordinatorWorker is the minimal view the coordinator needs of a
// worker.
type coordinatorWorker struct {
	id           string
	capabilities []string
	capacity     int
	activeCount  int
	draining     bool
}

// coordinate implements the deterministic assignment policy:
// least-loaded worker first, worker id as tie-break, first-fit
// capability matching. ready must already be sorted by (priority, sequence,
// task id) by the caller; coordinate preserves that order when
// scanning for a match and never reorders it.
func coordinate(ready []coordinatorTask, workers []coordinatorWorker) []Assignment {
	eligible := make([]coordinatorWorker, 0, len(workers))
	for _, w := range workers {
		if !w.draining {
			eligible = append(eligible, w)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].activeCount != eligible[j].activeCount {
			return eligible[i].activeCount < eligible[j].activeCount
		}
		return eligible[i].id < eligible[j].id
	})

	remaining := append([]coordinatorTask(nil), ready...)
	assignments := make([]Assignment, 0)

	for _, w := range eligible {
		free := w.capacity - w.activeCount
		for free > 0 && len(remaining) > 0 {
			idx := -1
			for i, t := range remaining {
				if capabilitySubset(t.capabilities, w.capabilities) {
					idx = i
					break
				}
			}
			if idx == -1 {
				break
			}
			assignments = append(assignments, Assignment{TaskID: remaining[idx].id, WorkerID: w.id})
			remaining = append(remaining[:idx], remaining[idx+1:]...)
			free--
		}
	}

	return assignments
}
