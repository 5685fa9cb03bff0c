// Package harness wraps a worker function with retry/backoff discipline and
// persists the per-run artifacts (results, attempt history, evidence,
// dead-letter records, and the canonical summary) that downstream stages
// read from disk.
//
// The backoff shape mirrors runtime/a2a/retry's Config/calculateBackoff, but
// seeds its jitter deterministically from "{task_id}:{attempt}" rather than
// the process-global math/rand source, since replays must reproduce the
// exact same backoff sequence.
package harness

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/domeai/dome/model"
)

// Worker runs one attempt at a task and returns its outcome. Implementations
// must not panic across this boundary in contexts that need to remain
// testable; RetryingWorker recovers regardless.
type Worker func(ctx context.Context, task model.Task, attempt int) WorkerAttempt

// WorkerAttempt is a single attempt's raw outcome, before backoff/retry
// bookkeeping is folded in.
type WorkerAttempt struct {
	Status     model.AttemptStatus
	ReasonCode string
	Notes      string
	Transient  bool
	DurationMS int64

	// RiskScoreHint is carried through to the final TaskResult for the
	// checker to consume; it has no bearing on retry decisions.
	RiskScoreHint int
}

// SleepFunc is the injectable sleep used between retries, so tests can
// observe backoff durations without actually waiting on them.
type SleepFunc func(ctx context.Context, d time.Duration)

// RealSleep blocks for d or until ctx is done, whichever comes first.
func RealSleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// RetryingWorker wraps a Worker with jittered exponential backoff: attempt
// N's backoff before attempt N+1 is min(base*2^(N-1), max) * jitter, where
// jitter is drawn from [1.0, 1.2) using a PRNG seeded from "task_id:attempt"
// — deterministic across replays of the same task.
type RetryingWorker struct {
	Inner         Worker
	MaxRetries    int
	BaseBackoffMS int64
	MaxBackoffMS  int64
	Sleep         SleepFunc
}

// NewRetryingWorker builds a RetryingWorker with RealSleep as its sleep
// function; tests substitute a no-op or recording SleepFunc.
func NewRetryingWorker(inner Worker, maxRetries int, baseBackoffMS, maxBackoffMS int64) *RetryingWorker {
	return &RetryingWorker{
		Inner:         inner,
		MaxRetries:    maxRetries,
		BaseBackoffMS: baseBackoffMS,
		MaxBackoffMS:  maxBackoffMS,
		Sleep:         RealSleep,
	}
}

// Run drives the attempt loop to completion, returning the final TaskResult
// with a complete attempt_history and retry_backoff_ms.
func (r *RetryingWorker) Run(ctx context.Context, task model.Task) model.TaskResult {
	var history []model.AttemptRecord
	var backoffs []int64
	var lastRisk int

	for attempt := 1; ; attempt++ {
		raw := r.safeAttempt(ctx, task, attempt)
		lastRisk = raw.RiskScoreHint
		record := model.AttemptRecord{
			Attempt:    attempt,
			Status:     raw.Status,
			ReasonCode: raw.ReasonCode,
			Notes:      raw.Notes,
			DurationMS: raw.DurationMS,
			Transient:  raw.Transient,
		}
		transient := record.IsTransient()
		if transient && attempt <= r.MaxRetries {
			backoff := r.backoffFor(task.TaskID, attempt)
			record.BackoffMS = backoff
			history = append(history, record)
			backoffs = append(backoffs, backoff)
			r.Sleep(ctx, time.Duration(backoff)*time.Millisecond)
			continue
		}
		history = append(history, record)
		return r.finalize(task, history, backoffs, record, lastRisk)
	}
}

// safeAttempt recovers a panicking worker and converts it into a FAIL
// attempt, so a worker exception never propagates out of the harness.
func (r *RetryingWorker) safeAttempt(ctx context.Context, task model.Task, attempt int) (out WorkerAttempt) {
	defer func() {
		if rec := recover(); rec != nil {
			out = WorkerAttempt{
				Status:     model.AttemptFail,
				ReasonCode: "EXEC.NONZERO_EXIT",
				Notes:      fmt.Sprintf("worker panicked: %v", rec),
			}
		}
	}()
	return r.Inner(ctx, task, attempt)
}

// backoffFor computes the deterministic, jittered backoff before the given
// attempt's retry, in whole milliseconds.
func (r *RetryingWorker) backoffFor(taskID string, attempt int) int64 {
	base := float64(r.BaseBackoffMS) * math.Pow(2, float64(attempt-1))
	if base > float64(r.MaxBackoffMS) {
		base = float64(r.MaxBackoffMS)
	}
	jitter := 1.0 + 0.2*seededUnitFloat(fmt.Sprintf("%s:%d", taskID, attempt))
	return int64(base * jitter)
}

// seededUnitFloat derives a value in [0, 1) deterministically from seed,
// using an FNV-1a hash as the PRNG seed rather than a process-global
// random source — the same (task_id, attempt) pair always yields the same
// jitter, which replay determinism depends on.
func seededUnitFloat(seed string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	const mask = uint64(1)<<53 - 1
	return float64(h.Sum64()&mask) / float64(mask+1)
}

// finalize assembles the terminal TaskResult for a task once its attempt
// loop has stopped, deriving evidence/attempt-history paths the caller (the
// run pipeline) is responsible for populating on disk via Persist.
func (r *RetryingWorker) finalize(task model.Task, history []model.AttemptRecord, backoffs []int64, last model.AttemptRecord, riskHint int) model.TaskResult {
	result := model.TaskResult{
		TaskID:             task.TaskID,
		Status:             last.Status,
		Attempts:           len(history),
		AttemptHistory:     history,
		RetryBackoffMS:     backoffs,
		ReasonCode:         last.ReasonCode,
		WorkerModel:        task.WorkerModel,
		Transient:          last.IsTransient(),
		EvidenceBundlePath: fmt.Sprintf("evidence/%s.evidence.bundle.telemetry.json", task.TaskID),
		AttemptHistoryPath: fmt.Sprintf("attempts/%s.attempts.json", task.TaskID),
		RiskScoreHint:      riskHint,
	}
	// A task that terminated on an exhausted transient failure gets a DLQ
	// record for operator reprocessing; a non-transient terminal FAIL does
	// not, since no amount of retrying would have helped.
	if result.Status == model.AttemptFail && result.Transient {
		result.DLQPath = fmt.Sprintf("dlq/%s.dlq.json", task.TaskID)
	}
	return result
}
