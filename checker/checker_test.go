package checker_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/checker"
	"github.com/domeai/dome/model"
)

func TestEvaluateApprovesAllPass(t *testing.T) {
	summary := model.RunSummary{
		RunID: "run-x",
		Results: []model.TaskResult{
			{TaskID: "a", Status: model.AttemptPass},
			{TaskID: "b", Status: model.AttemptPass},
		},
	}
	decision, err := checker.Evaluate(context.Background(), summary, checker.Options{RiskThreshold: 80})
	require.NoError(t, err)
	require.Equal(t, model.GateApprove, decision.Status)
	require.Equal(t, model.SubstratePromote, decision.SubstrateStatus)
	require.Equal(t, "deterministic_hash", decision.Notes[0][len("trace_source="):])
}

func TestEvaluateRejectsOnAnyFailure(t *testing.T) {
	summary := model.RunSummary{
		RunID: "run-y",
		Results: []model.TaskResult{
			{TaskID: "a", Status: model.AttemptPass},
			{TaskID: "b", Status: model.AttemptFail},
		},
	}
	decision, err := checker.Evaluate(context.Background(), summary, checker.Options{RiskThreshold: 80})
	require.NoError(t, err)
	require.Equal(t, model.GateReject, decision.Status)
	require.Equal(t, []string{"EXEC.NONZERO_EXIT"}, decision.ReasonCodes)
	require.Equal(t, model.SubstrateDeny, decision.SubstrateStatus)
}

func TestEvaluateVerifyFailureTakesPrecedence(t *testing.T) {
	summary := model.RunSummary{
		RunID: "run-z",
		Results: []model.TaskResult{
			{TaskID: "a", Status: model.AttemptFail},
		},
	}
	opts := checker.Options{
		VerifyArgv:    []string{"false"},
		RiskThreshold: 80,
		Verify: func(ctx context.Context, argv []string, dir string) (bool, error) {
			return false, nil
		},
	}
	decision, err := checker.Evaluate(context.Background(), summary, opts)
	require.NoError(t, err)
	require.Equal(t, model.GateReject, decision.Status)
	require.Equal(t, []string{"VERIFY.TEST_FAILURE"}, decision.ReasonCodes)
}

func TestEvaluateNeedsHumanAboveRiskThreshold(t *testing.T) {
	summary := model.RunSummary{
		RunID: "run-risk",
		Results: []model.TaskResult{
			{TaskID: "a", Status: model.AttemptPass, RiskScoreHint: 90},
		},
	}
	decision, err := checker.Evaluate(context.Background(), summary, checker.Options{RiskThreshold: 80})
	require.NoError(t, err)
	require.Equal(t, model.GateNeedsHuman, decision.Status)
	require.Equal(t, model.SubstrateStop, decision.SubstrateStatus)
}

func TestEvaluateFailureReasonCodeIsInCatalog(t *testing.T) {
	summary := model.RunSummary{
		RunID: "run-bad",
		Results: []model.TaskResult{
			{TaskID: "a", Status: model.AttemptFail},
		},
	}
	// A failed task's EXEC.NONZERO_EXIT is a catalog code, so Evaluate
	// emits it without a catalog error.
	decision, err := checker.Evaluate(context.Background(), summary, checker.Options{RiskThreshold: 80})
	require.NoError(t, err)
	require.Contains(t, checker.ReasonCodeCatalog, decision.ReasonCodes[0])
}
