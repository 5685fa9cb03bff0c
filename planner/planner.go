// Package planner translates a pre-contract into a dependency-ordered work
// queue: plan -> implement -> verify, with verify included only when the
// pre-contract names a verify command.
package planner

import (
	"fmt"

	"github.com/domeai/dome/model"
)

const (
	// Version is the work queue schema version this planner emits.
	Version = "0.2"
	// DefaultMaxWorkers is used when the caller does not specify a cap.
	DefaultMaxWorkers = 1
)

// Plan builds a WorkQueue from a PreContract. The queue always contains a
// plan task and an implement task (implement depends on plan); it gains a
// verify task (depending on implement) only when the pre-contract names a
// verify command.
func Plan(pc model.PreContract, maxWorkers int) (model.WorkQueue, error) {
	if pc.PacketID == "" {
		return model.WorkQueue{}, fmt.Errorf("pre-contract packet_id is required")
	}
	if maxWorkers < 1 {
		maxWorkers = DefaultMaxWorkers
	}

	planID := pc.PacketID + "-plan"
	implementID := pc.PacketID + "-implement"
	verifyID := pc.PacketID + "-verify"

	tasks := []model.Task{
		{
			TaskID:       planID,
			Goal:         "plan: " + pc.PlanCard.What,
			Status:       model.TaskQueued,
			Dependencies: []string{},
		},
		{
			TaskID:       implementID,
			Goal:         "implement: " + pc.PlanCard.What,
			Status:       model.TaskQueued,
			Dependencies: []string{planID},
		},
	}
	if pc.HasVerify() {
		tasks = append(tasks, model.Task{
			TaskID:       verifyID,
			Goal:         "verify",
			Status:       model.TaskQueued,
			Dependencies: []string{implementID},
		})
	}

	wq := model.WorkQueue{
		Version:      Version,
		RunID:        pc.RunID(),
		BaseRef:      pc.BaseRef,
		MaxWorkers:   maxWorkers,
		Tasks:        tasks,
		ArtifactKind: model.ArtifactKindV02,
	}
	if err := model.ValidateWorkQueue(wq); err != nil {
		return model.WorkQueue{}, fmt.Errorf("planner produced an invalid work queue: %w", err)
	}
	return wq, nil
}
