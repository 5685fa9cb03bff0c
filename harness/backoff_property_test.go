package harness_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/domeai/dome/harness"
	"github.com/domeai/dome/model"
)

// TestRetryingWorkerBackoffIsBoundedAndDeterministicProperty verifies the
// backoff law: for any (base, max, attempt) triple, the delay the harness
// sleeps before a retry never exceeds max*1.2 (the jitter ceiling), and
// replaying the exact same task_id/attempt pair always produces the exact
// same delay — two independent RetryingWorker instances never disagree.
func TestRetryingWorkerBackoffIsBoundedAndDeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("recorded backoff never exceeds the configured ceiling", prop.ForAll(
		func(base, maxBackoff int64, retries int) bool {
			if base <= 0 {
				base = 1
			}
			if maxBackoff <= 0 {
				maxBackoff = base
			}
			var observed []int64
			worker := failNTimes(retries + 1)
			rw := &harness.RetryingWorker{
				Inner: worker, MaxRetries: retries, BaseBackoffMS: base, MaxBackoffMS: maxBackoff,
				Sleep: func(_ context.Context, d time.Duration) { observed = append(observed, d.Milliseconds()) },
			}
			rw.Run(context.Background(), model.Task{TaskID: "t1"})

			ceiling := int64(float64(maxBackoff) * 1.2)
			for _, ms := range observed {
				if ms > ceiling {
					return false
				}
			}
			return true
		},
		gen.Int64Range(1, 5000),
		gen.Int64Range(1, 60000),
		gen.IntRange(0, 6),
	))

	properties.Property("the same task_id and attempt always produce the same backoff", prop.ForAll(
		func(taskID string, base, maxBackoff int64, attempt int) bool {
			if base <= 0 {
				base = 1
			}
			if maxBackoff <= 0 {
				maxBackoff = base
			}
			record := func() int64 {
				var got int64
				worker := failNTimes(attempt + 1)
				rw := &harness.RetryingWorker{
					Inner: worker, MaxRetries: attempt, BaseBackoffMS: base, MaxBackoffMS: maxBackoff,
					Sleep: func(_ context.Context, d time.Duration) {
						if got == 0 {
							got = d.Milliseconds()
						}
					},
				}
				rw.Run(context.Background(), model.Task{TaskID: taskID})
				return got
			}
			return record() == record()
		},
		gen.AlphaString(),
		gen.Int64Range(1, 5000),
		gen.Int64Range(1, 60000),
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}

// failNTimes returns a Worker that reports a transient failure on its first
// n calls and passes thereafter; with MaxRetries below n the harness stops
// after MaxRetries retry/backoff cycles.
func failNTimes(n int) harness.Worker {
	calls := 0
	return func(ctx context.Context, task model.Task, attempt int) harness.WorkerAttempt {
		calls++
		if calls <= n {
			return harness.WorkerAttempt{Status: model.AttemptFail, Transient: true, ReasonCode: "TRANSIENT.PROPERTY_TEST"}
		}
		return harness.WorkerAttempt{Status: model.AttemptPass}
	}
}
