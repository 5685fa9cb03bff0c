package dispatcher_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/dispatcher"
	"github.com/domeai/dome/dispatcher/engine"
	"github.com/domeai/dome/dispatcher/engine/inproc"
	"github.com/domeai/dome/eventbus"
	"github.com/domeai/dome/model"
)

func TestRunDispatchesInDeterministicOrder(t *testing.T) {
	wq := model.WorkQueue{
		RunID:      "run-order",
		MaxWorkers: 3,
		Tasks: []model.Task{
			{TaskID: "t-c", CreatedAt: "00:00:03"},
			{TaskID: "t-a", CreatedAt: "00:00:01"},
			{TaskID: "t-b", CreatedAt: "00:00:02"},
		},
	}
	var order []string
	bus := eventbus.New()
	assigned := bus.Subscribe(model.TopicTaskAssigned)
	sup := dispatcher.NewSupervisor(bus, inproc.New(), nil)
	_, err := sup.Run(context.Background(), wq, func(ctx context.Context, task model.Task) model.TaskResult {
		order = append(order, task.TaskID)
		return model.TaskResult{TaskID: task.TaskID, Status: model.AttemptPass, Attempts: 1}
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"t-a", "t-b", "t-c"}, order)
	var dispatched []string
	for i := 0; i < 3; i++ {
		evt := <-assigned.C()
		dispatched = append(dispatched, evt.Payload["task_id"].(string))
	}
	require.Equal(t, []string{"t-a", "t-b", "t-c"}, dispatched)
}

func TestRunRespectsDependencyWaves(t *testing.T) {
	wq := model.WorkQueue{
		RunID:      "run-wave",
		MaxWorkers: 2,
		Tasks: []model.Task{
			{TaskID: "plan"},
			{TaskID: "implement", Dependencies: []string{"plan"}},
		},
	}
	sup := dispatcher.NewSupervisor(nil, inproc.New(), nil)
	summary, err := sup.Run(context.Background(), wq, func(ctx context.Context, task model.Task) model.TaskResult {
		return model.TaskResult{TaskID: task.TaskID, Status: model.AttemptPass, Attempts: 1}
	})
	require.NoError(t, err)
	require.Len(t, summary.Results, 2)
	require.Equal(t, "plan", summary.Results[0].TaskID)
	require.Equal(t, "implement", summary.Results[1].TaskID)
}

func TestRunConvertsWorkerPanicToFailResult(t *testing.T) {
	wq := model.WorkQueue{RunID: "run-panic", MaxWorkers: 1, Tasks: []model.Task{{TaskID: "t-1"}}}
	sup := dispatcher.NewSupervisor(nil, inproc.New(), nil)
	summary, err := sup.Run(context.Background(), wq, func(ctx context.Context, task model.Task) model.TaskResult {
		panic("boom")
	})
	require.NoError(t, err)
	require.Equal(t, model.AttemptFail, summary.Results[0].Status)
	require.Equal(t, "EXEC.NONZERO_EXIT", summary.Results[0].ReasonCode)
}

func TestRunAssignsWorkerModelsRoundRobin(t *testing.T) {
	wq := model.WorkQueue{
		RunID:      "run-pool",
		MaxWorkers: 3,
		Tasks: []model.Task{
			{TaskID: "a"}, {TaskID: "b"}, {TaskID: "c"},
		},
	}
	sup := dispatcher.NewSupervisor(nil, inproc.New(), []string{"m1", "m2"})
	summary, err := sup.Run(context.Background(), wq, func(ctx context.Context, task model.Task) model.TaskResult {
		return model.TaskResult{TaskID: task.TaskID, Status: model.AttemptPass, WorkerModel: task.WorkerModel}
	})
	require.NoError(t, err)
	seen := map[string]int{}
	for _, r := range summary.Results {
		seen[r.WorkerModel]++
	}
	require.Equal(t, 2, len(seen))
}

func TestRunRejectsForbiddenTaskKey(t *testing.T) {
	wq := model.WorkQueue{
		RunID:      "run-forbidden",
		MaxWorkers: 1,
		Tasks: []model.Task{
			{TaskID: "t-1", Extra: map[string]any{"command": "rm -rf /"}},
		},
	}
	sup := dispatcher.NewSupervisor(nil, inproc.New(), nil)
	_, err := sup.Run(context.Background(), wq, func(ctx context.Context, task model.Task) model.TaskResult {
		return model.TaskResult{TaskID: task.TaskID, Status: model.AttemptPass}
	})
	require.Error(t, err)
}

func TestRunRejectsSpawnSpecWithMismatchedRunID(t *testing.T) {
	wq := model.WorkQueue{
		RunID:      "run-real",
		MaxWorkers: 1,
		Tasks: []model.Task{
			{TaskID: "t-1", SpawnSpec: &model.SpawnSpec{
				RunID:      "run-other",
				ActionSpec: model.ActionSpec{Intent: "do-thing"},
			}},
		},
	}
	sup := dispatcher.NewSupervisor(nil, inproc.New(), nil)
	_, err := sup.Run(context.Background(), wq, func(ctx context.Context, task model.Task) model.TaskResult {
		return model.TaskResult{TaskID: task.TaskID, Status: model.AttemptPass}
	})
	require.ErrorContains(t, err, "run_id")
}

func TestRunAcceptsSpawnSpecWithMatchingRunID(t *testing.T) {
	wq := model.WorkQueue{
		RunID:      "run-real",
		MaxWorkers: 1,
		Tasks: []model.Task{
			{TaskID: "t-1", SpawnSpec: &model.SpawnSpec{
				RunID:      "run-real",
				ActionSpec: model.ActionSpec{Intent: "do-thing"},
			}},
		},
	}
	sup := dispatcher.NewSupervisor(nil, inproc.New(), nil)
	_, err := sup.Run(context.Background(), wq, func(ctx context.Context, task model.Task) model.TaskResult {
		return model.TaskResult{TaskID: task.TaskID, Status: model.AttemptPass}
	})
	require.NoError(t, err)
}

// serializingEngine simulates an engine whose outcomes cross a process
// boundary (temporalengine, via Temporal's data converter): the worker's
// model.TaskResult gets marshaled to JSON and handed back as a
// map[string]any, exactly as Temporal's default JSON data converter would
// decode an any-typed activity result.
type serializingEngine struct{}

func (serializingEngine) RunWave(ctx context.Context, tasks []engine.TaskInput, worker engine.WorkerFunc, maxWorkers int) []engine.TaskOutcome {
	outcomes := make([]engine.TaskOutcome, len(tasks))
	for i, task := range tasks {
		outcome := worker(ctx, task)
		data, err := json.Marshal(outcome.Value)
		if err != nil {
			outcomes[i] = engine.TaskOutcome{TaskID: task.TaskID, Err: err}
			continue
		}
		var roundTripped map[string]any
		if err := json.Unmarshal(data, &roundTripped); err != nil {
			outcomes[i] = engine.TaskOutcome{TaskID: task.TaskID, Err: err}
			continue
		}
		outcomes[i] = engine.TaskOutcome{TaskID: outcome.TaskID, Value: roundTripped}
	}
	return outcomes
}

func TestRunDecodesOutcomesThatRoundTripThroughSerialization(t *testing.T) {
	wq := model.WorkQueue{RunID: "run-serialize", MaxWorkers: 1, Tasks: []model.Task{{TaskID: "t-1"}}}
	sup := dispatcher.NewSupervisor(nil, serializingEngine{}, nil)
	summary, err := sup.Run(context.Background(), wq, func(ctx context.Context, task model.Task) model.TaskResult {
		return model.TaskResult{TaskID: task.TaskID, Status: model.AttemptPass, Attempts: 1, WorkerModel: "m1"}
	})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	require.Equal(t, model.AttemptPass, summary.Results[0].Status)
	require.Equal(t, "m1", summary.Results[0].WorkerModel)
}
