package model

import "fmt"

// ValidateWorkQueue checks the structural invariants every WorkQueue must
// satisfy: at least one task, unique task IDs, an acyclic dependency graph
// referencing only known tasks, and a max_workers of at least one.
//
// The planner calls this once after building a queue; the dispatcher calls
// it again before scheduling, since the two stages were historically
// maintained separately and validation must not be assumed to have already
// run (see SPEC_FULL.md §9 open questions).
func ValidateWorkQueue(wq WorkQueue) error {
	if len(wq.Tasks) == 0 {
		return fmt.Errorf("work queue %q has no tasks", wq.RunID)
	}
	if wq.MaxWorkers < 1 {
		return fmt.Errorf("work queue %q max_workers must be >= 1, got %d", wq.RunID, wq.MaxWorkers)
	}
	return validateTaskGraph(wq.Tasks)
}

// validateTaskGraph checks task ID uniqueness, dependency existence, and
// acyclicity via DFS with temporary/permanent marks.
func validateTaskGraph(tasks []Task) error {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if t.TaskID == "" {
			return fmt.Errorf("task has empty task_id")
		}
		if _, dup := byID[t.TaskID]; dup {
			return fmt.Errorf("duplicate task_id %q", t.TaskID)
		}
		byID[t.TaskID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %q depends on unknown task %q", t.TaskID, dep)
			}
		}
	}

	const (
		unvisited = 0
		temporary = 1
		permanent = 2
	)
	mark := make(map[string]int, len(tasks))
	var visit func(id string, stack []string) error
	visit = func(id string, stack []string) error {
		switch mark[id] {
		case permanent:
			return nil
		case temporary:
			return fmt.Errorf("dependency cycle detected: %v -> %s", append(stack, id), id)
		}
		mark[id] = temporary
		for _, dep := range byID[id].Dependencies {
			if err := visit(dep, append(stack, id)); err != nil {
				return err
			}
		}
		mark[id] = permanent
		return nil
	}
	for _, t := range tasks {
		if err := visit(t.TaskID, nil); err != nil {
			return err
		}
	}
	return nil
}

// CheckForbiddenKeys reports an error if the task's raw extra fields contain
// any key that would let it bypass the tool contract via direct invocation.
func CheckForbiddenKeys(extra map[string]any) error {
	for _, key := range ForbiddenTaskKeys {
		if _, present := extra[key]; present {
			return fmt.Errorf("task carries forbidden key %q: direct tool invocation is not permitted on a task", key)
		}
	}
	return nil
}

// CheckToolContract verifies that if a task names a requested method, a
// tool_contract.allowed_methods list exists and contains that method.
func CheckToolContract(t Task) error {
	if t.RequestedMethod == "" {
		return nil
	}
	if t.ToolContract == nil {
		return fmt.Errorf("task %q requests method %q but carries no tool_contract", t.TaskID, t.RequestedMethod)
	}
	for _, allowed := range t.ToolContract.AllowedMethods {
		if allowed == t.RequestedMethod {
			return nil
		}
	}
	return fmt.Errorf("task %q requests method %q not present in tool_contract.allowed_methods", t.TaskID, t.RequestedMethod)
}
