// Command demo runs a synthetic plan/implement run end to end,
// with every worker attempt hardcoded to pass — a smoke test for the
// pipeline's wiring (planner, dispatcher, checker, promoter, state writer,
// control ledger) independent of any real tool daemon or workbench.
package main

import (
	"context"
	"fmt"

	"github.com/domeai/dome/harness"
	"github.com/domeai/dome/model"
	"github.com/domeai/dome/pipeline"
)

func main() {
	pc := model.PreContract{
		PacketID: "demo-0001",
		BaseRef:  "main",
		Budgets:  model.Budgets{IterationBudget: 3},
		PlanCard: model.PlanCard{Why: "smoke-test the pipeline wiring", What: "run a synthetic single wave"},
	}
	worker := func(ctx context.Context, task model.Task, attempt int) harness.WorkerAttempt {
		return harness.WorkerAttempt{Status: model.AttemptPass, Notes: "synthetic pass", DurationMS: 5}
	}

	result, err := pipeline.RunDemo(context.Background(), pc, worker, pipeline.RunConfig{})
	if err != nil {
		panic(err)
	}
	fmt.Println("RunID:", result.RunID)
	fmt.Println("Gate:", result.Gate.Status)
	fmt.Println("Promotion:", result.Promotion.Decision)
	fmt.Println("Manifest:", result.ManifestPath)
}
