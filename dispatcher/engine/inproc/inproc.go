// Package inproc provides an in-process, bounded-goroutine-pool
// implementation of the dispatcher engine, suitable for local development
// and for production deployments that do not need a wave barrier to
// survive a dispatcher restart.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/domeai/dome/dispatcher/engine"
)

type eng struct{}

// New returns the default, in-process Engine.
func New() engine.Engine {
	return eng{}
}

// RunWave fans out to a bounded pool of goroutines (size maxWorkers),
// recovering from panics as failed outcomes, and returns outcomes in the
// same order as the input tasks.
func (eng) RunWave(ctx context.Context, tasks []engine.TaskInput, worker engine.WorkerFunc, maxWorkers int) []engine.TaskOutcome {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	outcomes := make([]engine.TaskOutcome, len(tasks))
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, task engine.TaskInput) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = runOne(ctx, task, worker)
		}(i, task)
	}
	wg.Wait()
	return outcomes
}

// runOne executes a single worker call, converting a panic into a failed
// outcome so it never escapes the engine boundary.
func runOne(ctx context.Context, task engine.TaskInput, worker engine.WorkerFunc) (outcome engine.TaskOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = engine.TaskOutcome{TaskID: task.TaskID, Err: fmt.Errorf("worker panicked: %v", r)}
		}
	}()
	return worker(ctx, task)
}
