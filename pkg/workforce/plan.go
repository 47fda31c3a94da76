package workforce

import "sort"

// PlanTaskInput describes one task within a submitted Plan.
type PlanTaskInput struct {
	TaskID               string         `json:"task_id"`
	Title                string         `json:"title"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	DependsOn            []string       `json:"depends_on,omitempty"`
	Priority             int            `json:"priority,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// Plan is the immutable DAG of tasks submitted via LoadPlan.
type Plan struct {
	PlanID string          `json:"plan_id"`
	Goal   string          `json:"goal,omitempty"`
	Tasks  []PlanTaskInput `json:"tasks"`
}

type dfsColor int

const (
	colorWhite dfsColor = iota
	colorGray
	colorBlack
)

// validatePlan runs the three validation passes in order: duplicate
// ids, unknown dependencies, cycles. Any failure rejects the whole
// plan atomically.
func validatePlan(plan Plan) error {
	seen := make(map[string]struct{}, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if _, dup := seen[t.TaskID]; dup {
			return newValidationErr(CodeDuplicateTask, "duplicate task id %q", t.TaskID)
		}
		seen[t.TaskID] = struct{}{}
	}

	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := seen[dep]; !ok {
				return newValidationErr(CodeMissingDependency, "task %q depends on unknown task %q", t.TaskID, dep)
			}
		}
	}

	if err := detectCycle(plan); err != nil {
		return err
	}
	return nil
}

// detectCycle runs a depth-first traversal with three colors; a
// back-edge to a gray node is a cycle.
func detectCycle(plan Plan) error {
	deps := make(map[string][]string, len(plan.Tasks))
	order := make([]string, 0, len(plan.Tasks))
	for _, t := range plan.Tasks {
		deps[t.TaskID] = t.DependsOn
		order = append(order, t.TaskID)
	}
	// Deterministic traversal order, though the result (cycle: yes/no)
	// does not depend on it.
	sort.Strings(order)

	colors := make(map[string]dfsColor, len(plan.Tasks))
	var visit func(id string) error
	visit = func(id string) error {
		colors[id] = colorGray
		for _, dep := range deps[id] {
			switch colors[dep] {
			case colorGray:
				return newValidationErr(CodeCycleDetected, "dependency cycle detected involving %q", dep)
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		colors[id] = colorBlack
		return nil
	}

	for _, id := range order {
		if colors[id] == colorWhite {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
