// Package statewriter folds a run's work queue, summary, gate decision, and
// promotion decision into a state-space document, enforcing the task state
// machine and the evidence-bundle invariant along the way.
package statewriter

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/domeai/dome/model"
)

// signal names the state machine's transition triggers.
type signal string

const (
	signalClaim    signal = "claim"
	signalRun      signal = "run"
	signalGatePass signal = "gate_pass"
	signalGateFail signal = "gate_fail"
	signalBlock    signal = "block"
)

// transitions is the state machine table from SPEC_FULL.md §4.10. Missing
// (from, signal) pairs are invalid transitions.
var transitions = map[model.TaskStatus]map[signal]model.TaskStatus{
	model.TaskQueued:  {signalClaim: model.TaskClaimed},
	model.TaskClaimed: {signalRun: model.TaskRunning},
	model.TaskRunning: {signalGatePass: model.TaskGated, signalGateFail: model.TaskBlocked},
	model.TaskGated:   {signalGatePass: model.TaskDone, signalGateFail: model.TaskBlocked},
}

// applyTransition advances from by signal, or returns a
// STATE.INVALID_TRANSITION.<from>.<signal> error.
func applyTransition(from model.TaskStatus, sig signal) (model.TaskStatus, error) {
	if sig == signalBlock {
		return model.TaskBlocked, nil
	}
	if byFrom, ok := transitions[from]; ok {
		if to, ok := byFrom[sig]; ok {
			return to, nil
		}
	}
	return "", fmt.Errorf("STATE.INVALID_TRANSITION.%s.%s", from, sig)
}

// TaskState is one task's entry in the state-space document.
type TaskState struct {
	TaskID     string          `json:"task_id"`
	WorkStatus model.TaskStatus `json:"work_status"`
	GateStatus string          `json:"gate_status"`
	ReasonCode string          `json:"reason_code,omitempty"`
}

// StateSpace is the document produced by Write and reconstructed by
// ReplayStateSpace.
type StateSpace struct {
	RunID string      `json:"run_id"`
	Tasks []TaskState `json:"tasks"`
}

// EvidenceLoader resolves a task's evidence bundle from its declared path.
// The production loader reads and parses the on-disk JSON file; tests can
// substitute a fixed map.
type EvidenceLoader func(path string) (model.EvidenceBundle, error)

// LoadEvidenceBundleFile reads and parses an evidence bundle from disk.
func LoadEvidenceBundleFile(path string) (model.EvidenceBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.EvidenceBundle{}, fmt.Errorf("read evidence bundle %s: %w", path, err)
	}
	var bundle model.EvidenceBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return model.EvidenceBundle{}, fmt.Errorf("decode evidence bundle %s: %w", path, err)
	}
	return bundle, nil
}

// Write combines the work queue, summary, gate decision, and promotion
// decision into a StateSpace. Every referenced task's evidence bundle must
// exist and carry both trace_id_hex and span_id_hex, or the write fails.
func Write(wq model.WorkQueue, summary model.RunSummary, gate model.GateDecision, promotion model.PromotionDecision, load EvidenceLoader) (StateSpace, error) {
	if load == nil {
		load = LoadEvidenceBundleFile
	}
	resultByTask := make(map[string]model.TaskResult, len(summary.Results))
	for _, r := range summary.Results {
		resultByTask[r.TaskID] = r
	}

	space := StateSpace{RunID: wq.RunID}
	for _, task := range wq.Tasks {
		result, ok := resultByTask[task.TaskID]
		if !ok {
			return StateSpace{}, fmt.Errorf("no result recorded for task %q", task.TaskID)
		}
		bundle, err := load(result.EvidenceBundlePath)
		if err != nil {
			return StateSpace{}, fmt.Errorf("load evidence bundle for task %q: %w", task.TaskID, err)
		}
		if len(bundle.OTel.TraceIDHex) != 32 || len(bundle.OTel.SpanIDHex) != 16 {
			return StateSpace{}, fmt.Errorf("task %q evidence bundle missing valid otel trace/span ids", task.TaskID)
		}

		state, err := model.TaskQueued, error(nil)
		for _, sig := range []signal{signalClaim, signalRun} {
			state, err = applyTransition(state, sig)
			if err != nil {
				return StateSpace{}, err
			}
		}
		gateSignal := signalGatePass
		if result.Status != model.AttemptPass {
			gateSignal = signalGateFail
		}
		state, err = applyTransition(state, gateSignal)
		if err != nil {
			return StateSpace{}, err
		}
		if gateSignal == signalGatePass {
			state, err = applyTransition(state, signalGatePass)
			if err != nil {
				return StateSpace{}, err
			}
		}

		ts := TaskState{TaskID: task.TaskID, WorkStatus: state}
		if promotion.Decision == model.GateApprove && result.Status == model.AttemptPass {
			ts.GateStatus = "DONE"
		} else {
			ts.GateStatus = "BLOCKED"
			ts.ReasonCode = firstNonEmpty(result.ReasonCode, firstOrEmpty(gate.ReasonCodes))
		}
		space.Tasks = append(space.Tasks, ts)
	}
	return space, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstOrEmpty(codes []string) string {
	if len(codes) == 0 {
		return ""
	}
	return codes[0]
}

// ReplayStateSpace reconstructs a StateSpace from the last task.result event
// per task in an event log, independent of any on-disk summary. For a given
// run, it must equal the StateSpace Write produced (the replay law).
func ReplayStateSpace(events []model.Event, wq model.WorkQueue, gate model.GateDecision, promotion model.PromotionDecision, load EvidenceLoader) (StateSpace, error) {
	lastByTask := make(map[string]model.TaskResult)
	for _, evt := range events {
		if evt.Topic != model.TopicTaskResult {
			continue
		}
		result, err := decodeTaskResult(evt.Payload)
		if err != nil {
			return StateSpace{}, fmt.Errorf("decode task.result payload: %w", err)
		}
		lastByTask[result.TaskID] = result
	}
	var results []model.TaskResult
	for _, task := range wq.Tasks {
		result, ok := lastByTask[task.TaskID]
		if !ok {
			return StateSpace{}, fmt.Errorf("no task.result event found for task %q", task.TaskID)
		}
		results = append(results, result)
	}
	return Write(wq, model.RunSummary{RunID: wq.RunID, Results: results}, gate, promotion, load)
}

func decodeTaskResult(payload map[string]any) (model.TaskResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return model.TaskResult{}, err
	}
	var result model.TaskResult
	if err := json.Unmarshal(data, &result); err != nil {
		return model.TaskResult{}, err
	}
	return result, nil
}
