package tooldaemon_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/tooldaemon"
	"github.com/domeai/dome/tooldaemon/statestore/memory"
)

func newService() *tooldaemon.Service {
	return tooldaemon.NewService(memory.New(), nil, nil)
}

func TestSkillExecuteRejectsMissingFields(t *testing.T) {
	svc := newService()
	result, err := svc.SkillExecute(context.Background(), tooldaemon.SkillExecuteParams{SkillID: "job.noop"})
	require.NoError(t, err)
	require.False(t, result.Status.OK)
	require.Equal(t, tooldaemon.ErrInvalidRequest, result.Status.Code)
}

func TestSkillExecuteNoopSucceeds(t *testing.T) {
	svc := newService()
	result, err := svc.SkillExecute(context.Background(), tooldaemon.SkillExecuteParams{
		SkillID: "job.noop", Profile: "default", IdempotencyKey: "key-1", ClientID: "client-a",
	})
	require.NoError(t, err)
	require.True(t, result.Status.OK)
	require.Equal(t, "succeeded", result.State)
}

func TestSkillExecuteLogEmitsEachLine(t *testing.T) {
	svc := newService()
	result, err := svc.SkillExecute(context.Background(), tooldaemon.SkillExecuteParams{
		SkillID: "job.log", Profile: "default", IdempotencyKey: "key-2", ClientID: "client-a",
		Task: map[string]any{"lines": []any{"one", "two"}},
	})
	require.NoError(t, err)
	require.Equal(t, "succeeded", result.State)

	status, err := svc.GetJobStatus(context.Background(), result.JobID)
	require.NoError(t, err)
	require.Equal(t, "succeeded", status.State)

	var lines []any
	err = svc.StreamJobEvents(context.Background(), result.JobID, 0, false, time.Millisecond, func(e tooldaemon.EventRecord) {
		if e.Type == tooldaemon.EventLog {
			lines = append(lines, e.Payload.(map[string]any)["line"])
		}
	})
	require.NoError(t, err)
	require.Equal(t, []any{"one", "two"}, lines)
}

func TestSkillExecuteFailTransitionsToFailed(t *testing.T) {
	svc := newService()
	result, err := svc.SkillExecute(context.Background(), tooldaemon.SkillExecuteParams{
		SkillID: "job.fail", Profile: "default", IdempotencyKey: "key-3", ClientID: "client-a",
	})
	require.NoError(t, err)
	require.Equal(t, "failed", result.State)
}

func TestSkillExecuteIdempotentReplayReturnsStoredJob(t *testing.T) {
	svc := newService()
	params := tooldaemon.SkillExecuteParams{
		SkillID: "job.noop", Profile: "default", IdempotencyKey: "key-4", ClientID: "client-a",
	}
	first, err := svc.SkillExecute(context.Background(), params)
	require.NoError(t, err)
	second, err := svc.SkillExecute(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, first.JobID, second.JobID)
}

func TestSkillExecuteUnknownToolIsNotFound(t *testing.T) {
	svc := newService()
	result, err := svc.SkillExecute(context.Background(), tooldaemon.SkillExecuteParams{
		SkillID: "nonexistent.tool", Profile: "default", IdempotencyKey: "key-5", ClientID: "client-a",
	})
	require.NoError(t, err)
	require.False(t, result.Status.OK)
	require.Equal(t, tooldaemon.ErrNotFound, result.Status.Code)
}

func TestCancelJobMovesNonTerminalJobToCanceled(t *testing.T) {
	store := memory.New()
	svc := tooldaemon.NewService(store, nil, nil)
	job := tooldaemon.JobRecord{JobID: "job-cancel", RunID: "run-cancel", State: tooldaemon.JobQueued, SkillID: "job.noop", Profile: "p", IdempotencyKey: "k"}
	_, _, err := store.Submit(job, "client-a")
	require.NoError(t, err)

	result, err := svc.CancelJob(context.Background(), "job-cancel")
	require.NoError(t, err)
	require.Equal(t, "canceled", result.State)
}

func TestStreamJobEventsReturnsSnapshotWithoutFollow(t *testing.T) {
	store := memory.New()
	svc := tooldaemon.NewService(store, nil, nil)
	job := tooldaemon.JobRecord{JobID: "job-stream", RunID: "run-stream", State: tooldaemon.JobQueued, SkillID: "job.noop", Profile: "p", IdempotencyKey: "k"}
	_, _, err := store.Submit(job, "client-a")
	require.NoError(t, err)
	_, err = store.AppendEvent("job-stream", tooldaemon.EventLog, map[string]any{"line": "hi"})
	require.NoError(t, err)

	var seen []tooldaemon.EventRecord
	err = svc.StreamJobEvents(context.Background(), "job-stream", 0, false, time.Millisecond, func(e tooldaemon.EventRecord) {
		seen = append(seen, e)
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
}
