package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/domeai/dome/harness"
	"github.com/domeai/dome/model"
	"github.com/domeai/dome/planner"
)

// RunDemo translates a pre-contract into a work queue, drives it through
// the implementer harness, checker, and promoter, and emits
// run.manifest.json alongside every other run artifact. worker supplies
// each task's per-attempt behavior; the demo binary (cmd/demo) wires in a
// synthetic worker that always passes.
func RunDemo(ctx context.Context, pc model.PreContract, worker harness.Worker, cfg RunConfig) (RunResult, error) {
	wq, err := planner.Plan(pc, pickMaxWorkers(cfg.WorkerPool))
	if err != nil {
		return RunResult{}, fmt.Errorf("pipeline: plan pre-contract: %w", err)
	}

	result, err := execute(ctx, wq, worker, cfg)
	if err != nil {
		return RunResult{}, err
	}

	workQueueHash, err := sha256Path(result.WorkQueuePath)
	if err != nil {
		return RunResult{}, err
	}
	manifest := RunManifest{
		RunID: wq.RunID,
		Inputs: InputHashes{
			PreContractSHA256: sha256Bytes(preContractCanonicalJSON(pc)),
			WorkQueueSHA256:   workQueueHash,
		},
		Commands: []string{"planner", "dispatcher", "implementer_harness", "checker", "promoter", "state_writer"},
		Budgets:  pc.Budgets,
		Artifacts: map[string]string{
			"work_queue_path":       result.WorkQueuePath,
			"summary_path":          result.SummaryPath,
			"gate_decision_path":    result.GateDecisionPath,
			"promotion_ledger_path": result.PromotionLedgerPath,
			"control_ledger_path":   result.ControlLedgerPath,
			"state_space_path":      result.StateSpacePath,
		},
	}
	manifestPath, err := buildAndWriteManifest(result.RunDir, manifest)
	if err != nil {
		return RunResult{}, err
	}
	result.ManifestPath = manifestPath
	return result, nil
}

func pickMaxWorkers(pool []string) int {
	if len(pool) == 0 {
		return planner.DefaultMaxWorkers
	}
	return len(pool)
}

func preContractCanonicalJSON(pc model.PreContract) []byte {
	data, err := json.Marshal(pc)
	if err != nil {
		// PreContract is entirely made of JSON-safe fields (strings, ints,
		// and the Actions.Test any that ToArgv/HasVerify already normalize
		// elsewhere); a marshal failure here would mean the type itself is
		// broken, not a runtime condition callers can act on.
		return []byte(fmt.Sprintf("%v", pc))
	}
	return data
}
