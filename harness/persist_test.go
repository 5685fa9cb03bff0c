package harness_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/harness"
	"github.com/domeai/dome/model"
)

func TestPersistTaskResultEvidenceBundleCarriesRunIDAndDuration(t *testing.T) {
	runDir := t.TempDir()
	store, err := harness.NewStore(runDir)
	require.NoError(t, err)

	result := model.TaskResult{
		TaskID:   "t-1",
		Status:   model.AttemptPass,
		Attempts: 2,
		AttemptHistory: []model.AttemptRecord{
			{Attempt: 1, Status: model.AttemptFail, ReasonCode: "TRANSIENT.TIMEOUT", DurationMS: 120},
			{Attempt: 2, Status: model.AttemptPass, DurationMS: 80},
		},
		WorkerModel:        "m1",
		EvidenceBundlePath: filepath.Join("evidence", "t-1.evidence.json"),
		AttemptHistoryPath: filepath.Join("attempts", "t-1.attempts.json"),
	}

	require.NoError(t, store.PersistTaskResult(result, "run-123", "trace-hex", "span-hex"))

	data, err := os.ReadFile(filepath.Join(runDir, result.EvidenceBundlePath))
	require.NoError(t, err)
	var bundle model.EvidenceBundle
	require.NoError(t, json.Unmarshal(data, &bundle))

	require.Equal(t, "run-123", bundle.Signals["run.id"])
	require.Equal(t, float64(200), bundle.Signals["task.duration_ms"])
	require.Equal(t, "t-1", bundle.Signals["task.id"])
}
