package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/domeai/dome/harness"
	"github.com/domeai/dome/model"
)

// LiveFixConfig configures RunLiveFix. The workbench is a throwaway Go
// module seeded with a deliberate bug, reproduced red, fixed, and verified
// green — all inside a single run's scratch directory.
type LiveFixConfig struct {
	RunConfig
	RunID      string
	WorkbenchDir string // defaults to "<run_dir>/workbench"
}

// IterationStep is one entry in iteration.loop.json: a labeled, ordered
// record of a single attempt observed during the live fix, independent of
// the attempt_history already carried on each TaskResult.
type IterationStep struct {
	Iteration  int    `json:"iteration"`
	Label      string `json:"label"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt"`
	ReasonCode string `json:"reason_code,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// IterationLoop is the persisted iteration.loop.json document.
type IterationLoop struct {
	RunID      string          `json:"run_id"`
	Iterations []IterationStep `json:"iterations"`
}

// RunLiveFix drives the three-task plan/implement/verify queue used by the
// red-to-green demo: a workbench Go package is seeded with a bug, the plan
// task reproduces the failure, the implement task fails once (an observed
// transient) before applying the fix, and the verify task confirms green.
func RunLiveFix(ctx context.Context, cfg LiveFixConfig) (RunResult, error) {
	runID := cfg.RunID
	if runID == "" {
		runID = "pkt-dome-livefix-0001"
	}
	runCfg := cfg.RunConfig.withDefaults()
	runDir := filepath.Join(runCfg.RunRoot, runID)
	workbench := cfg.WorkbenchDir
	if workbench == "" {
		workbench = filepath.Join(runDir, "workbench")
	}
	if err := writeBuggyWorkbench(workbench); err != nil {
		return RunResult{}, err
	}

	wq := liveFixWorkQueue(runID)
	attempts := map[string]int{}
	worker := func(ctx context.Context, task model.Task, attempt int) harness.WorkerAttempt {
		attempts[task.TaskID]++
		return liveFixAttempt(ctx, task.TaskID, attempts[task.TaskID], workbench)
	}

	result, err := execute(ctx, wq, worker, runCfg)
	if err != nil {
		return RunResult{}, err
	}

	loop, err := buildIterationLoop(runID, result.Summary)
	if err != nil {
		return RunResult{}, err
	}
	loopPath := filepath.Join(result.RunDir, "iteration.loop.json")
	if err := writeJSON(loopPath, loop); err != nil {
		return RunResult{}, err
	}

	workQueueHash, err := sha256Path(result.WorkQueuePath)
	if err != nil {
		return RunResult{}, err
	}
	manifest := RunManifest{
		RunID: runID,
		Inputs: InputHashes{
			WorkQueueSHA256: workQueueHash,
		},
		Commands: []string{"implementer_harness", "checker", "promoter", "state_writer"},
		Artifacts: map[string]string{
			"work_queue_path":       result.WorkQueuePath,
			"summary_path":          result.SummaryPath,
			"gate_decision_path":    result.GateDecisionPath,
			"promotion_ledger_path": result.PromotionLedgerPath,
			"control_ledger_path":   result.ControlLedgerPath,
			"state_space_path":      result.StateSpacePath,
			"workbench_path":        workbench,
			"iteration_loop_path":   loopPath,
		},
	}
	manifestPath, err := buildAndWriteManifest(result.RunDir, manifest)
	if err != nil {
		return RunResult{}, err
	}
	result.ManifestPath = manifestPath
	return result, nil
}

func liveFixWorkQueue(runID string) model.WorkQueue {
	planID := runID + "-plan"
	implementID := runID + "-implement"
	verifyID := runID + "-verify"
	return model.WorkQueue{
		ArtifactKind: model.ArtifactKindV02,
		Version:      "0.2",
		RunID:        runID,
		BaseRef:      "main",
		MaxWorkers:   2,
		Tasks: []model.Task{
			{TaskID: planID, Goal: "Reproduce failure in workbench tests", Status: model.TaskQueued, Dependencies: []string{}},
			{TaskID: implementID, Goal: "Implement fix iteratively until tests pass", Status: model.TaskQueued, Dependencies: []string{planID}},
			{TaskID: verifyID, Goal: "Verify tests remain green", Status: model.TaskQueued, Dependencies: []string{implementID}},
		},
	}
}

// writeBuggyWorkbench seeds a minimal Go package whose Add function
// subtracts instead of adding, plus the test that catches it.
func writeBuggyWorkbench(workbench string) error {
	if err := os.MkdirAll(workbench, 0o755); err != nil {
		return fmt.Errorf("pipeline: create workbench %s: %w", workbench, err)
	}
	const buggy = "package calculator\n\n" +
		"// Add returns the sum of a and b.\n" +
		"func Add(a, b int) int {\n" +
		"\treturn a - b // deliberate bug for red->green demo\n" +
		"}\n"
	const test = "package calculator\n\n" +
		"import \"testing\"\n\n" +
		"func TestAddBasic(t *testing.T) {\n" +
		"\tif got := Add(2, 3); got != 5 {\n" +
		"\t\tt.Fatalf(\"Add(2, 3) = %d, want 5\", got)\n" +
		"\t}\n" +
		"}\n"
	if err := os.WriteFile(filepath.Join(workbench, "calculator.go"), []byte(buggy), 0o644); err != nil {
		return fmt.Errorf("pipeline: write workbench source: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workbench, "calculator_test.go"), []byte(test), 0o644); err != nil {
		return fmt.Errorf("pipeline: write workbench test: %w", err)
	}
	return nil
}

func applyWorkbenchFix(workbench string) error {
	const fixed = "package calculator\n\n" +
		"// Add returns the sum of a and b.\n" +
		"func Add(a, b int) int {\n" +
		"\treturn a + b\n" +
		"}\n"
	if err := os.WriteFile(filepath.Join(workbench, "calculator.go"), []byte(fixed), 0o644); err != nil {
		return fmt.Errorf("pipeline: apply workbench fix: %w", err)
	}
	return nil
}

// runWorkbenchTests runs "go test ./..." inside workbench, returning whether
// it exited zero and a truncated combination of its stdout/stderr for the
// attempt's notes field.
func runWorkbenchTests(ctx context.Context, workbench string) (bool, string) {
	const maxNotesLen = 4000
	cmd := exec.CommandContext(ctx, "go", "test", "./...")
	cmd.Dir = workbench
	out, err := cmd.CombinedOutput()
	notes := truncate(strings.TrimSpace(string(out)), maxNotesLen)
	if err == nil {
		return true, notes
	}
	var exitErr *exec.ExitError
	if ok := isExitError(err, &exitErr); ok {
		return false, notes
	}
	return false, truncate(err.Error(), maxNotesLen)
}

func isExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// liveFixAttempt reproduces the original's per-task-kind worker: the plan
// task expects to observe red, the implement task's first attempt reports
// an observed transient failure before applying the fix, and the verify
// task confirms green.
func liveFixAttempt(ctx context.Context, taskID string, attempt int, workbench string) harness.WorkerAttempt {
	switch {
	case hasSuffix(taskID, "-plan"):
		ok, notes := runWorkbenchTests(ctx, workbench)
		if ok {
			return harness.WorkerAttempt{
				Status:     model.AttemptFail,
				ReasonCode: "EXEC.NONZERO_EXIT",
				Notes:      "expected initial failing test but tests already passed",
			}
		}
		return harness.WorkerAttempt{
			Status: model.AttemptPass,
			Notes:  "reproduced failing test: " + notes,
		}
	case hasSuffix(taskID, "-implement"):
		if attempt == 1 {
			ok, notes := runWorkbenchTests(ctx, workbench)
			status := model.AttemptPass
			if !ok {
				status = model.AttemptFail
			}
			return harness.WorkerAttempt{
				Status:     status,
				Transient:  true,
				ReasonCode: "TRANSIENT.FIRST_ATTEMPT",
				Notes:      "first implement attempt left failing state: " + notes,
			}
		}
		if err := applyWorkbenchFix(workbench); err != nil {
			return harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "EXEC.NONZERO_EXIT", Notes: err.Error()}
		}
		ok, notes := runWorkbenchTests(ctx, workbench)
		if ok {
			return harness.WorkerAttempt{Status: model.AttemptPass, Notes: "applied fix and reran tests: " + notes}
		}
		return harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "EXEC.NONZERO_EXIT", Notes: "applied fix and reran tests: " + notes}
	case hasSuffix(taskID, "-verify"):
		ok, notes := runWorkbenchTests(ctx, workbench)
		if ok {
			return harness.WorkerAttempt{Status: model.AttemptPass, Notes: notes}
		}
		return harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "VERIFY.TEST_FAILURE", Notes: notes}
	default:
		return harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "EXEC.NONZERO_EXIT"}
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// buildIterationLoop replays the plan, implement (every attempt), and verify
// results of summary into the labeled iteration sequence the original demo
// narrates to an operator.
func buildIterationLoop(runID string, summary model.RunSummary) (IterationLoop, error) {
	plan, err := findResultSuffix(summary, "-plan")
	if err != nil {
		return IterationLoop{}, err
	}
	implement, err := findResultSuffix(summary, "-implement")
	if err != nil {
		return IterationLoop{}, err
	}
	verify, err := findResultSuffix(summary, "-verify")
	if err != nil {
		return IterationLoop{}, err
	}

	steps := []IterationStep{{
		Iteration:  1,
		Label:      "im_helping",
		TaskID:     plan.TaskID,
		Status:     string(plan.Status),
		Attempt:    1,
		ReasonCode: plan.ReasonCode,
		Notes:      firstNotes(plan),
	}}
	for _, record := range implement.AttemptHistory {
		label := "wookiee_repair"
		if record.Attempt == 1 {
			label = "choo_choo"
		}
		steps = append(steps, IterationStep{
			Iteration:  len(steps) + 1,
			Label:      label,
			TaskID:     implement.TaskID,
			Status:     string(record.Status),
			Attempt:    record.Attempt,
			ReasonCode: record.ReasonCode,
			Notes:      record.Notes,
		})
	}
	steps = append(steps, IterationStep{
		Iteration:  len(steps) + 1,
		Label:      "verify_green",
		TaskID:     verify.TaskID,
		Status:     string(verify.Status),
		Attempt:    1,
		ReasonCode: verify.ReasonCode,
		Notes:      firstNotes(verify),
	})
	return IterationLoop{RunID: runID, Iterations: steps}, nil
}

func firstNotes(result model.TaskResult) string {
	if len(result.AttemptHistory) == 0 {
		return ""
	}
	return result.AttemptHistory[0].Notes
}

func findResultSuffix(summary model.RunSummary, suffix string) (model.TaskResult, error) {
	for _, result := range summary.Results {
		if hasSuffix(result.TaskID, suffix) {
			return result, nil
		}
	}
	return model.TaskResult{}, fmt.Errorf("pipeline: no task result with suffix %q in run %s", suffix, summary.RunID)
}
