package harness_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/harness"
	"github.com/domeai/dome/model"
)

func noopSleep(ctx context.Context, d time.Duration) {}

func TestRetryingWorkerTransientThenPass(t *testing.T) {
	calls := 0
	w := harness.NewRetryingWorker(func(ctx context.Context, task model.Task, attempt int) harness.WorkerAttempt {
		calls++
		if attempt == 1 {
			return harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "TRANSIENT.NETWORK"}
		}
		return harness.WorkerAttempt{Status: model.AttemptPass}
	}, 3, 100, 2000)
	w.Sleep = noopSleep

	result := w.Run(context.Background(), model.Task{TaskID: "t-1"})
	require.Equal(t, model.AttemptPass, result.Status)
	require.Equal(t, 2, result.Attempts)
	require.Len(t, result.AttemptHistory, 2)
	require.Len(t, result.RetryBackoffMS, 1)
	require.Empty(t, result.DLQPath)
	require.Equal(t, 2, calls)
}

func TestRetryingWorkerExhaustedGoesToDLQ(t *testing.T) {
	w := harness.NewRetryingWorker(func(ctx context.Context, task model.Task, attempt int) harness.WorkerAttempt {
		return harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "TRANSIENT.TIMEOUT"}
	}, 1, 100, 2000)
	w.Sleep = noopSleep

	result := w.Run(context.Background(), model.Task{TaskID: "t-2"})
	require.Equal(t, model.AttemptFail, result.Status)
	require.Equal(t, 2, result.Attempts)
	require.NotEmpty(t, result.DLQPath)
}

func TestRetryingWorkerNonTransientFailStopsImmediately(t *testing.T) {
	calls := 0
	w := harness.NewRetryingWorker(func(ctx context.Context, task model.Task, attempt int) harness.WorkerAttempt {
		calls++
		return harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "EXEC.NONZERO_EXIT"}
	}, 5, 100, 2000)
	w.Sleep = noopSleep

	result := w.Run(context.Background(), model.Task{TaskID: "t-3"})
	require.Equal(t, model.AttemptFail, result.Status)
	require.Equal(t, 1, calls)
	require.Empty(t, result.DLQPath)
}

func TestRetryingWorkerRecoversPanicAsFail(t *testing.T) {
	w := harness.NewRetryingWorker(func(ctx context.Context, task model.Task, attempt int) harness.WorkerAttempt {
		panic("boom")
	}, 1, 100, 2000)
	w.Sleep = noopSleep

	result := w.Run(context.Background(), model.Task{TaskID: "t-4"})
	require.Equal(t, model.AttemptFail, result.Status)
	require.Equal(t, "EXEC.NONZERO_EXIT", result.ReasonCode)
}

func TestBackoffIsDeterministicAcrossReplays(t *testing.T) {
	run := func() []int64 {
		w := harness.NewRetryingWorker(func(ctx context.Context, task model.Task, attempt int) harness.WorkerAttempt {
			if attempt <= 2 {
				return harness.WorkerAttempt{Status: model.AttemptFail, ReasonCode: "TRANSIENT.NETWORK"}
			}
			return harness.WorkerAttempt{Status: model.AttemptPass}
		}, 3, 50, 1000)
		w.Sleep = noopSleep
		return w.Run(context.Background(), model.Task{TaskID: "replay-task"}).RetryBackoffMS
	}
	first := run()
	second := run()
	require.Equal(t, first, second)
	for i, ms := range first {
		require.LessOrEqual(t, ms, int64(1000))
		if i > 0 {
			require.LessOrEqual(t, float64(first[i-1]), float64(ms)*1.2+1)
		}
	}
}
