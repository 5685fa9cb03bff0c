// Package dispatcher schedules a WorkQueue's tasks in concurrent waves:
// compute the ready set, sort it by the deterministic tie-break key, assign
// worker models round-robin, fan out through a pluggable engine, and
// publish task.assigned / task.result.raw / task.result events as the wave
// completes.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/domeai/dome/dispatcher/engine"
	"github.com/domeai/dome/eventbus"
	"github.com/domeai/dome/model"
)

var tracer = otel.Tracer("github.com/domeai/dome/dispatcher")

// WorkerFunc runs a single task to completion and returns its TaskResult.
// Supervisor converts a panic inside WorkerFunc into a FAIL result with
// EXEC.NONZERO_EXIT and structured diagnostics; it never propagates.
type WorkerFunc func(ctx context.Context, task model.Task) model.TaskResult

// Supervisor schedules and runs a WorkQueue's tasks wave by wave.
type Supervisor struct {
	Bus         *eventbus.Bus
	Engine      engine.Engine
	WorkerPool  []string // worker_model names assigned round-robin
	poolCursor  int
}

// NewSupervisor builds a Supervisor. eng is used as given and must not be
// nil; dispatcher/engine/inproc provides the in-process engine.
func NewSupervisor(bus *eventbus.Bus, eng engine.Engine, workerPool []string) *Supervisor {
	return &Supervisor{Bus: bus, Engine: eng, WorkerPool: workerPool}
}

// Run validates the work queue, then schedules ready waves until every task
// has completed, returning the canonical, task-ordered RunSummary.
func (s *Supervisor) Run(ctx context.Context, wq model.WorkQueue, worker WorkerFunc) (model.RunSummary, error) {
	if err := model.ValidateWorkQueue(wq); err != nil {
		return model.RunSummary{}, fmt.Errorf("dispatcher: work queue failed validation: %w", err)
	}
	if err := guardTasks(wq.Tasks, wq.RunID); err != nil {
		return model.RunSummary{}, err
	}

	byID := make(map[string]model.Task, len(wq.Tasks))
	pending := make(map[string]struct{}, len(wq.Tasks))
	completed := make(map[string]struct{}, len(wq.Tasks))
	resultByID := make(map[string]model.TaskResult, len(wq.Tasks))
	for _, t := range wq.Tasks {
		byID[t.TaskID] = t
		pending[t.TaskID] = struct{}{}
	}

	order := make([]string, 0, len(wq.Tasks))
	for len(pending) > 0 {
		ready := readySet(byID, pending, completed)
		if len(ready) == 0 {
			return model.RunSummary{}, fmt.Errorf("dispatcher: no ready tasks while %d remain pending (cycle or missing dependency)", len(pending))
		}
		wave := ready
		if len(wave) > wq.MaxWorkers {
			wave = wave[:wq.MaxWorkers]
		}

		taskInputs := make([]engine.TaskInput, 0, len(wave))
		for i := range wave {
			if wave[i].WorkerModel == "" {
				wave[i].WorkerModel = s.nextWorkerModel()
			}
			s.publishAssigned(ctx, wq.RunID, wave[i])
			byID[wave[i].TaskID] = wave[i]
			taskInputs = append(taskInputs, engine.TaskInput{TaskID: wave[i].TaskID, Goal: wave[i].Goal})
		}

		outcomes := s.Engine.RunWave(ctx, taskInputs, s.engineWorker(wave, worker), wq.MaxWorkers)
		for i, outcome := range outcomes {
			task := wave[i]
			result := s.interpretOutcome(task, outcome)
			resultByID[task.TaskID] = result
			s.publishRawAttempts(ctx, wq.RunID, task.TaskID, result)
			s.publishFinalResult(ctx, wq.RunID, result)
			delete(pending, task.TaskID)
			completed[task.TaskID] = struct{}{}
			order = append(order, task.TaskID)
		}
	}

	summary := model.RunSummary{RunID: wq.RunID}
	for _, t := range wq.Tasks {
		summary.Results = append(summary.Results, resultByID[t.TaskID])
	}
	return summary, nil
}

// guardTasks enforces the tool-contract guard: no forbidden direct-method
// keys, any requested_method present in the task's
// tool_contract.allowed_methods, and (for spawn tasks) a spawn_spec.run_id
// matching the work queue's own run id.
func guardTasks(tasks []model.Task, runID string) error {
	for _, t := range tasks {
		if err := model.CheckForbiddenKeys(t.Extra); err != nil {
			return fmt.Errorf("dispatcher: task %q: %w", t.TaskID, err)
		}
		if err := model.CheckToolContract(t); err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
		if t.SpawnSpec != nil {
			if err := t.SpawnSpec.Validate(runID); err != nil {
				return fmt.Errorf("dispatcher: task %q: %w", t.TaskID, err)
			}
		}
	}
	return nil
}

// readySet computes {t in pending : deps(t) subset of completed}, sorted by
// the deterministic tie-break key. Sorting here — not at the input list
// level — is what makes dispatch_order depend only on the tie-break key.
func readySet(byID map[string]model.Task, pending, completed map[string]struct{}) []model.Task {
	var ready []model.Task
	for id := range pending {
		task := byID[id]
		satisfied := true
		for _, dep := range task.Dependencies {
			if _, done := completed[dep]; !done {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, task)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return ready[i].Key().Less(ready[j].Key())
	})
	return ready
}

func (s *Supervisor) nextWorkerModel() string {
	if len(s.WorkerPool) == 0 {
		return ""
	}
	name := s.WorkerPool[s.poolCursor%len(s.WorkerPool)]
	s.poolCursor++
	return name
}

func (s *Supervisor) engineWorker(wave []model.Task, worker WorkerFunc) engine.WorkerFunc {
	byID := make(map[string]model.Task, len(wave))
	for _, t := range wave {
		byID[t.TaskID] = t
	}
	return func(ctx context.Context, input engine.TaskInput) engine.TaskOutcome {
		task := byID[input.TaskID]
		result := worker(ctx, task)
		return engine.TaskOutcome{TaskID: task.TaskID, Value: result}
	}
}

// interpretOutcome converts an engine outcome into a TaskResult, folding an
// engine-level error (worker panic or timeout) into a deterministic FAIL.
func (s *Supervisor) interpretOutcome(task model.Task, outcome engine.TaskOutcome) model.TaskResult {
	if outcome.Err != nil {
		return model.TaskResult{
			TaskID:      task.TaskID,
			Status:      model.AttemptFail,
			Attempts:    1,
			ReasonCode:  "EXEC.NONZERO_EXIT",
			WorkerModel: task.WorkerModel,
			AttemptHistory: []model.AttemptRecord{{
				Attempt:    1,
				Status:     model.AttemptFail,
				ReasonCode: "EXEC.NONZERO_EXIT",
				Notes:      outcome.Err.Error(),
			}},
		}
	}
	result, ok := decodeTaskResult(outcome.Value)
	if !ok {
		return model.TaskResult{
			TaskID:      task.TaskID,
			Status:      model.AttemptFail,
			Attempts:    1,
			ReasonCode:  "EXEC.NONZERO_EXIT",
			WorkerModel: task.WorkerModel,
			AttemptHistory: []model.AttemptRecord{{
				Attempt:    1,
				Status:     model.AttemptFail,
				ReasonCode: "EXEC.NONZERO_EXIT",
				Notes:      "worker returned an unrecognized outcome value",
			}},
		}
	}
	return result
}

// decodeTaskResult recovers a model.TaskResult from an engine outcome's
// Value. The in-process engine hands back the exact struct the worker
// returned, but an engine that serializes outcomes across a process
// boundary (temporalengine, whose activities round-trip through Temporal's
// JSON data converter) hands back a map[string]any instead — so a value
// that isn't already a TaskResult gets one more pass through JSON before
// it's treated as unrecognized.
func decodeTaskResult(value any) (model.TaskResult, bool) {
	if result, ok := value.(model.TaskResult); ok {
		return result, true
	}
	data, err := json.Marshal(value)
	if err != nil {
		return model.TaskResult{}, false
	}
	var result model.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return model.TaskResult{}, false
	}
	return result, true
}

func (s *Supervisor) publishAssigned(ctx context.Context, runID string, task model.Task) {
	if s.Bus == nil {
		return
	}
	ctx, span := tracer.Start(ctx, "dispatcher.assign", trace.WithAttributes(attribute.String("dome.task_id", task.TaskID)))
	defer span.End()
	key := task.Key()
	_ = s.Bus.Publish(ctx, model.Event{
		Topic: model.TopicTaskAssigned,
		RunID: runID,
		Payload: map[string]any{
			"task_id":      task.TaskID,
			"worker_model": task.WorkerModel,
			"tie_break_key": map[string]string{
				"priority":       key.Priority,
				"created_at":     key.CreatedAt,
				"payload_digest": key.PayloadDigest,
				"task_id":        key.TaskID,
			},
		},
	})
}

func (s *Supervisor) publishRawAttempts(ctx context.Context, runID, taskID string, result model.TaskResult) {
	if s.Bus == nil {
		return
	}
	attempts := result.AttemptHistory
	if len(attempts) == 0 {
		attempts = []model.AttemptRecord{{Attempt: 1, Status: result.Status, ReasonCode: result.ReasonCode}}
	}
	for _, attempt := range attempts {
		_ = s.Bus.Publish(ctx, model.Event{
			Topic: model.TopicTaskResultRaw,
			RunID: runID,
			Payload: map[string]any{
				"task_id":     taskID,
				"attempt":     attempt.Attempt,
				"status":      string(attempt.Status),
				"reason_code": attempt.ReasonCode,
			},
		})
	}
}

func (s *Supervisor) publishFinalResult(ctx context.Context, runID string, result model.TaskResult) {
	if s.Bus == nil {
		return
	}
	_ = s.Bus.Publish(ctx, model.Event{
		Topic: model.TopicTaskResult,
		RunID: runID,
		Payload: map[string]any{
			"task_id":              result.TaskID,
			"status":               string(result.Status),
			"attempts":             result.Attempts,
			"reason_code":          result.ReasonCode,
			"worker_model":         result.WorkerModel,
			"evidence_bundle_path": result.EvidenceBundlePath,
		},
	})
}
