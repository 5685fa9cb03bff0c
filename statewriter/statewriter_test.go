package statewriter_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/model"
	"github.com/domeai/dome/statewriter"
)

func fixedLoader(bundle model.EvidenceBundle) statewriter.EvidenceLoader {
	return func(path string) (model.EvidenceBundle, error) { return bundle, nil }
}

func validBundle() model.EvidenceBundle {
	return model.EvidenceBundle{OTel: model.OTelRef{
		TraceIDHex: "0123456789abcdef0123456789abcdef",
		SpanIDHex:  "0123456789abcdef",
	}}
}

func TestWriteMarksAllDoneOnApprove(t *testing.T) {
	wq := model.WorkQueue{RunID: "run-1", Tasks: []model.Task{{TaskID: "a"}, {TaskID: "b"}}}
	summary := model.RunSummary{RunID: "run-1", Results: []model.TaskResult{
		{TaskID: "a", Status: model.AttemptPass, EvidenceBundlePath: "a.json"},
		{TaskID: "b", Status: model.AttemptPass, EvidenceBundlePath: "b.json"},
	}}
	gate := model.GateDecision{Status: model.GateApprove}
	promotion := model.PromotionDecision{Decision: model.GateApprove}

	space, err := statewriter.Write(wq, summary, gate, promotion, fixedLoader(validBundle()))
	require.NoError(t, err)
	for _, ts := range space.Tasks {
		require.Equal(t, model.TaskDone, ts.WorkStatus)
		require.Equal(t, "DONE", ts.GateStatus)
	}
}

func TestWriteMarksBlockedOnFailure(t *testing.T) {
	wq := model.WorkQueue{RunID: "run-2", Tasks: []model.Task{{TaskID: "a"}}}
	summary := model.RunSummary{RunID: "run-2", Results: []model.TaskResult{
		{TaskID: "a", Status: model.AttemptFail, ReasonCode: "EXEC.NONZERO_EXIT", EvidenceBundlePath: "a.json"},
	}}
	gate := model.GateDecision{Status: model.GateReject, ReasonCodes: []string{"EXEC.NONZERO_EXIT"}}
	promotion := model.PromotionDecision{Decision: model.GateReject}

	space, err := statewriter.Write(wq, summary, gate, promotion, fixedLoader(validBundle()))
	require.NoError(t, err)
	require.Equal(t, model.TaskBlocked, space.Tasks[0].WorkStatus)
	require.Equal(t, "BLOCKED", space.Tasks[0].GateStatus)
	require.Equal(t, "EXEC.NONZERO_EXIT", space.Tasks[0].ReasonCode)
}

func TestWriteFailsOnMissingEvidenceBundleFields(t *testing.T) {
	wq := model.WorkQueue{RunID: "run-3", Tasks: []model.Task{{TaskID: "a"}}}
	summary := model.RunSummary{RunID: "run-3", Results: []model.TaskResult{
		{TaskID: "a", Status: model.AttemptPass, EvidenceBundlePath: "a.json"},
	}}
	_, err := statewriter.Write(wq, summary, model.GateDecision{}, model.PromotionDecision{}, fixedLoader(model.EvidenceBundle{}))
	require.Error(t, err)
}

func TestReplayStateSpaceMatchesWrite(t *testing.T) {
	wq := model.WorkQueue{RunID: "run-4", Tasks: []model.Task{{TaskID: "a"}}}
	result := model.TaskResult{TaskID: "a", Status: model.AttemptPass, EvidenceBundlePath: "a.json"}
	summary := model.RunSummary{RunID: "run-4", Results: []model.TaskResult{result}}
	gate := model.GateDecision{Status: model.GateApprove}
	promotion := model.PromotionDecision{Decision: model.GateApprove}

	direct, err := statewriter.Write(wq, summary, gate, promotion, fixedLoader(validBundle()))
	require.NoError(t, err)

	payload := map[string]any{
		"task_id":              result.TaskID,
		"status":               string(result.Status),
		"evidence_bundle_path": result.EvidenceBundlePath,
		"attempt_history":      []any{},
		"retry_backoff_ms":     []any{},
	}
	events := []model.Event{{Topic: model.TopicTaskResult, RunID: "run-4", Payload: payload}}
	replayed, err := statewriter.ReplayStateSpace(events, wq, gate, promotion, fixedLoader(validBundle()))
	require.NoError(t, err)
	require.Equal(t, direct, replayed)
}
