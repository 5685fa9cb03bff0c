package planner_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/model"
	"github.com/domeai/dome/planner"
)

func TestPlanIncludesVerifyWhenTestActionPresent(t *testing.T) {
	pc := model.PreContract{
		PacketID: "pkt-demo-001",
		Actions:  model.Actions{Test: []any{"python", "-c", "print('ok')"}},
		PlanCard: model.PlanCard{Why: "demo", What: "say ok"},
	}
	wq, err := planner.Plan(pc, 2)
	require.NoError(t, err)
	require.Equal(t, "run-pkt-demo-001", wq.RunID)
	require.Len(t, wq.Tasks, 3)
	require.Equal(t, "pkt-demo-001-plan", wq.Tasks[0].TaskID)
	require.Equal(t, "pkt-demo-001-implement", wq.Tasks[1].TaskID)
	require.Equal(t, "pkt-demo-001-verify", wq.Tasks[2].TaskID)
	require.Equal(t, []string{"pkt-demo-001-implement"}, wq.Tasks[2].Dependencies)
}

func TestPlanOmitsVerifyWithoutTestAction(t *testing.T) {
	pc := model.PreContract{PacketID: "pkt-no-verify"}
	wq, err := planner.Plan(pc, 1)
	require.NoError(t, err)
	require.Len(t, wq.Tasks, 2)
}

func TestPlanRejectsEmptyPacketID(t *testing.T) {
	_, err := planner.Plan(model.PreContract{}, 1)
	require.Error(t, err)
}

func TestValidateWorkQueueRejectsCycle(t *testing.T) {
	wq := model.WorkQueue{
		RunID:      "run-x",
		MaxWorkers: 1,
		Tasks: []model.Task{
			{TaskID: "a", Dependencies: []string{"b"}},
			{TaskID: "b", Dependencies: []string{"a"}},
		},
	}
	err := model.ValidateWorkQueue(wq)
	require.Error(t, err)
}

func TestValidateWorkQueueRejectsUnknownDependency(t *testing.T) {
	wq := model.WorkQueue{
		RunID:      "run-x",
		MaxWorkers: 1,
		Tasks: []model.Task{
			{TaskID: "a", Dependencies: []string{"ghost"}},
		},
	}
	err := model.ValidateWorkQueue(wq)
	require.Error(t, err)
}
