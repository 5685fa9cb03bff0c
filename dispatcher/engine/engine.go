// Package engine abstracts the bounded worker pool that runs one dispatch
// wave, so the dispatcher can swap between the default in-process executor
// and a durable, Temporal-backed one without changing its scheduling logic.
//
// This mirrors the shape of the agent runtime's own Engine abstraction
// (WorkflowDefinition/ActivityDefinition registered against a pluggable
// backend) scoped down to the dispatcher's single operation: run a wave of
// independent tasks through a worker function and collect their outcomes in
// submission order.
package engine

import "context"

// WorkerFunc executes a single task and returns its outcome. Implementations
// must not panic across this boundary in a way that escapes the engine;
// engines convert a panic or error into a failed TaskOutcome.
type WorkerFunc func(ctx context.Context, task TaskInput) TaskOutcome

// TaskInput is the minimal view of a task an engine needs to run it.
type TaskInput struct {
	TaskID string
	Goal   string
}

// TaskOutcome is a worker's result for one task, opaque to the engine and
// passed through to the dispatcher for interpretation.
type TaskOutcome struct {
	TaskID string
	Value  any
	Err    error
}

// Engine runs one wave of tasks to completion and returns their outcomes in
// the same order as the input tasks, regardless of completion order, so
// downstream event publication stays deterministic.
type Engine interface {
	RunWave(ctx context.Context, tasks []TaskInput, worker WorkerFunc, maxWorkers int) []TaskOutcome
}
