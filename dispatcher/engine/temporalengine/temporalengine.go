// Package temporalengine runs a dispatch wave as a short-lived Temporal
// workflow, with each task executed as a Temporal activity. It is used only
// when the dispatcher is started with a Temporal host:port configured — the
// wave barrier then survives a dispatcher process restart, since Temporal
// itself tracks which activities in the wave have completed.
package temporalengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/domeai/dome/dispatcher/engine"
)

const (
	workflowName = "dome.dispatcher.runWave"
	activityName = "dome.dispatcher.runTask"
)

// Options configures the Temporal-backed engine.
type Options struct {
	// Client is a pre-configured Temporal client.
	Client client.Client
	// TaskQueue is the queue the wave workflow and its activities run on.
	TaskQueue string
}

// WaveInput is the payload passed to the wave workflow.
type WaveInput struct {
	Tasks []engine.TaskInput
}

// New builds a Temporal-backed Engine and starts a worker registered for the
// wave workflow and its single generic activity, which delegates to
// currentWorker until the engine's first RunWave call rebinds it to the
// dispatcher's actual per-run worker.
func New(opts Options, currentWorker engine.WorkerFunc) (engine.Engine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("temporal client is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal task queue is required")
	}

	tracingInterceptor, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
	if err != nil {
		return nil, fmt.Errorf("build otel tracing interceptor: %w", err)
	}

	w := worker.New(opts.Client, opts.TaskQueue, worker.Options{
		Interceptors: []interceptor.WorkerInterceptor{tracingInterceptor},
	})
	w.RegisterWorkflowWithOptions(waveWorkflow, workflow.RegisterOptions{Name: workflowName})
	acts := &activities{worker: currentWorker}
	w.RegisterActivityWithOptions(acts.RunTask, activity.RegisterOptions{Name: activityName})
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("start temporal worker: %w", err)
	}

	return &tengine{client: opts.Client, taskQueue: opts.TaskQueue, worker: w, acts: acts}, nil
}

type tengine struct {
	client    client.Client
	taskQueue string
	worker    worker.Worker
	acts      *activities
}

// RunWave starts the wave workflow and blocks for its result. Since
// Temporal activities must be registered before any workflow runs, the
// activity itself was bound to acts at construction time; RunWave rebinds
// acts.worker to the caller's worker func for the duration of the call.
// Dispatcher waves run one at a time (Supervisor.Run never starts a new
// wave before the previous one's RunWave has returned), so this is safe
// without per-call synchronization of the workflow execution itself.
func (e *tengine) RunWave(ctx context.Context, tasks []engine.TaskInput, worker engine.WorkerFunc, _ int) []engine.TaskOutcome {
	e.acts.setWorker(worker)

	opts := client.StartWorkflowOptions{
		ID:        fmt.Sprintf("dome-wave-%d", time.Now().UnixNano()),
		TaskQueue: e.taskQueue,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, workflowName, WaveInput{Tasks: tasks})
	if err != nil {
		return failAll(tasks, fmt.Errorf("start wave workflow: %w", err))
	}
	var outcomes []engine.TaskOutcome
	if err := run.Get(ctx, &outcomes); err != nil {
		return failAll(tasks, fmt.Errorf("wave workflow failed: %w", err))
	}
	return outcomes
}

func failAll(tasks []engine.TaskInput, err error) []engine.TaskOutcome {
	out := make([]engine.TaskOutcome, len(tasks))
	for i, t := range tasks {
		out[i] = engine.TaskOutcome{TaskID: t.TaskID, Err: err}
	}
	return out
}

// waveWorkflow fans out one activity per task and waits for all of them,
// collecting results in task-submission order.
func waveWorkflow(ctx workflow.Context, in WaveInput) ([]engine.TaskOutcome, error) {
	ao := workflow.ActivityOptions{StartToCloseTimeout: 10 * time.Minute, HeartbeatTimeout: time.Minute}
	ctx = workflow.WithActivityOptions(ctx, ao)

	futures := make([]workflow.Future, len(in.Tasks))
	for i, task := range in.Tasks {
		futures[i] = workflow.ExecuteActivity(ctx, activityName, task)
	}
	outcomes := make([]engine.TaskOutcome, len(in.Tasks))
	for i, f := range futures {
		var outcome engine.TaskOutcome
		if err := f.Get(ctx, &outcome); err != nil {
			outcomes[i] = engine.TaskOutcome{TaskID: in.Tasks[i].TaskID, Err: err}
			continue
		}
		outcomes[i] = outcome
	}
	return outcomes, nil
}

type activities struct {
	mu     sync.Mutex
	worker engine.WorkerFunc
}

func (a *activities) setWorker(w engine.WorkerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.worker = w
}

func (a *activities) currentWorker() engine.WorkerFunc {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.worker
}

// RunTask is the generic Temporal activity that delegates to whichever
// worker func the owning engine last bound via setWorker.
func (a *activities) RunTask(ctx context.Context, task engine.TaskInput) (engine.TaskOutcome, error) {
	activity.RecordHeartbeat(ctx, task.TaskID)
	return a.currentWorker()(ctx, task), nil
}
