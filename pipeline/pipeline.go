// Package pipeline wires the planner, dispatcher, implementer harness,
// checker, promoter, and state writer into the run's entry points:
// RunDemo, RunLiveFix, and RunPlanImplementVerify. Each entry point differs
// only in how its work queue and worker are built; the middle of the
// pipeline — dispatch, persistence, gating, promotion, control-ledger
// materialization, and state-space replay — is shared by execute.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/domeai/dome/checker"
	"github.com/domeai/dome/dispatcher"
	"github.com/domeai/dome/dispatcher/engine"
	"github.com/domeai/dome/dispatcher/engine/inproc"
	"github.com/domeai/dome/eventbus"
	"github.com/domeai/dome/harness"
	"github.com/domeai/dome/model"
	"github.com/domeai/dome/promoter"
	"github.com/domeai/dome/security"
	"github.com/domeai/dome/statewriter"
)

var tracer = otel.Tracer("github.com/domeai/dome/pipeline")

// RunConfig configures the machinery shared by every entry point: retry
// bounds, gate/promotion policy, and where run artifacts land on disk.
type RunConfig struct {
	// RunRoot is the parent directory each run's own run_id subdirectory is
	// created under. Defaults to "ops/runtime/runs".
	RunRoot string
	// PromotionLedgerPath is the append-only audit ledger promoter.AppendAudit
	// writes to. Defaults to "<RunRoot>/promotion.ledger.jsonl" (one ledger
	// shared across runs, matching the promoter's own append-only contract).
	PromotionLedgerPath string
	// WorkerPool assigns worker_model names round-robin across dispatched
	// tasks; a nil pool leaves worker_model empty.
	WorkerPool []string
	// MaxRetries, BaseBackoffMS, and MaxBackoffMS bound the implementer
	// harness's retry/backoff behavior. A zero MaxBackoffMS defaults to
	// the larger of BaseBackoffMS and 1000; a zero BaseBackoffMS to 250.
	MaxRetries    int
	BaseBackoffMS int64
	MaxBackoffMS  int64
	// VerifyArgv, when non-empty, is run once per wave by the checker before
	// it looks at individual task results.
	VerifyArgv []string
	VerifyDir  string
	// RiskThreshold gates a wave to NEEDS_HUMAN when any task's risk hint
	// meets or exceeds it.
	RiskThreshold int
	// MinConfidence and MaxRisk are the promoter's downgrade thresholds.
	MinConfidence float64
	MaxRisk       int
	// TraceEnabled asks the checker to anchor its decision to a live OTel
	// span rather than a deterministic hash fallback.
	TraceEnabled bool
	// Engine runs each dispatch wave. Defaults to inproc.New(), the
	// in-process goroutine pool; pass a temporalengine.New(...) engine here
	// to route waves through Temporal instead (see cmd/dome's
	// --engine=temporal flag).
	Engine engine.Engine
	// Fanout, when set, mirrors every published event to a cross-process
	// stream (see cmd/dome's --pulse-redis-addr flag) so a second process
	// can tail a run live instead of only replaying its JSONL log.
	Fanout eventbus.Fanout
}

func (c RunConfig) withDefaults() RunConfig {
	if c.RunRoot == "" {
		c.RunRoot = filepath.Join("ops", "runtime", "runs")
	}
	if c.Engine == nil {
		c.Engine = inproc.New()
	}
	if c.PromotionLedgerPath == "" {
		c.PromotionLedgerPath = filepath.Join(c.RunRoot, "promotion.ledger.jsonl")
	}
	if c.MaxBackoffMS <= 0 {
		c.MaxBackoffMS = max64(c.BaseBackoffMS, 1000)
	}
	if c.BaseBackoffMS <= 0 {
		c.BaseBackoffMS = 250
	}
	if c.RiskThreshold <= 0 {
		c.RiskThreshold = 60
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.85
	}
	if c.MaxRisk <= 0 {
		c.MaxRisk = c.RiskThreshold
	}
	return c
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// RunResult is the common set of artifact paths and decoded documents every
// entry point returns, regardless of which manifest shape it emits on top.
type RunResult struct {
	RunID               string
	RunDir              string
	WorkQueuePath       string
	SummaryPath         string
	GateDecisionPath    string
	PromotionLedgerPath string
	ControlLedgerPath   string
	StateSpacePath      string
	ManifestPath        string

	Summary       model.RunSummary
	Gate          model.GateDecision
	Promotion     model.PromotionDecision
	ControlLedger eventbus.ControlLedger
	StateSpace    statewriter.StateSpace
}

// execute drives the shared middle of the pipeline for wq, using
// attemptWorker as every dispatched task's per-attempt implementation. It
// persists every artifact named in RunResult except the final manifest,
// which differs per entry point and is written by the caller.
func execute(ctx context.Context, wq model.WorkQueue, attemptWorker harness.Worker, cfg RunConfig) (RunResult, error) {
	cfg = cfg.withDefaults()

	runDir := filepath.Join(cfg.RunRoot, wq.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return RunResult{}, fmt.Errorf("pipeline: create run directory %s: %w", runDir, err)
	}

	store, err := harness.NewStore(runDir)
	if err != nil {
		return RunResult{}, fmt.Errorf("pipeline: init run store: %w", err)
	}
	workQueuePath := filepath.Join(runDir, "work.queue.json")
	if err := store.PersistWorkQueue(wq); err != nil {
		return RunResult{}, fmt.Errorf("pipeline: persist work queue: %w", err)
	}

	eventLogPath := filepath.Join(runDir, "events.jsonl")
	fileLog, err := eventbus.OpenFileLog(eventLogPath)
	if err != nil {
		return RunResult{}, fmt.Errorf("pipeline: open event log: %w", err)
	}
	defer fileLog.Close()
	busOpts := []eventbus.Option{eventbus.WithDurableLog(fileLog)}
	if cfg.Fanout != nil {
		busOpts = append(busOpts, eventbus.WithFanout(cfg.Fanout))
	}
	bus := eventbus.New(busOpts...)

	_ = bus.Publish(ctx, model.Event{
		Topic: model.TopicPlanWaveCreated,
		RunID: wq.RunID,
		Payload: map[string]any{
			"task_count":  len(wq.Tasks),
			"max_workers": wq.MaxWorkers,
		},
	})

	retrying := harness.NewRetryingWorker(traceWrapWorker(attemptWorker), cfg.MaxRetries, cfg.BaseBackoffMS, cfg.MaxBackoffMS)
	sup := dispatcher.NewSupervisor(bus, cfg.Engine, cfg.WorkerPool)
	summary, err := sup.Run(ctx, wq, func(ctx context.Context, task model.Task) model.TaskResult {
		return retrying.Run(ctx, task)
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("pipeline: dispatch wave: %w", err)
	}

	for _, result := range summary.Results {
		traceID, spanID := traceRefFor(ctx, wq.RunID, result.TaskID)
		if err := store.PersistTaskResult(result, wq.RunID, traceID, spanID); err != nil {
			return RunResult{}, fmt.Errorf("pipeline: persist task result %s: %w", result.TaskID, err)
		}
	}
	if err := store.PersistSummary(summary); err != nil {
		return RunResult{}, fmt.Errorf("pipeline: persist summary: %w", err)
	}

	_ = bus.Publish(ctx, model.Event{
		Topic:   model.TopicGateRequested,
		RunID:   wq.RunID,
		Payload: map[string]any{"result_count": len(summary.Results)},
	})
	gate, err := checker.Evaluate(ctx, summary, checker.Options{
		VerifyArgv:    cfg.VerifyArgv,
		VerifyDir:     cfg.VerifyDir,
		RiskThreshold: cfg.RiskThreshold,
		TraceEnabled:  cfg.TraceEnabled,
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("pipeline: evaluate gate: %w", err)
	}
	gateDecisionPath := filepath.Join(runDir, "gate.decision.json")
	if err := writeJSON(gateDecisionPath, gate); err != nil {
		return RunResult{}, err
	}
	_ = bus.Publish(ctx, model.Event{
		Topic: model.TopicGateVerdict,
		RunID: wq.RunID,
		Payload: map[string]any{
			"status":       string(gate.Status),
			"reason_codes": gate.ReasonCodes,
			"confidence":   gate.Confidence,
			"risk_score":   gate.RiskScore,
		},
	})

	promotion := promoter.Decide(gate, promoter.Policy{MinConfidence: cfg.MinConfidence, MaxRisk: cfg.MaxRisk})
	if err := promoter.AppendAudit(cfg.PromotionLedgerPath, promotion, gate.TelemetryRef); err != nil {
		return RunResult{}, fmt.Errorf("pipeline: append promotion audit: %w", err)
	}
	_ = bus.Publish(ctx, model.Event{
		Topic:   model.TopicPromotionDecision,
		RunID:   wq.RunID,
		Payload: map[string]any{"decision": string(promotion.Decision), "reason_codes": promotion.ReasonCodes},
	})

	space, err := statewriter.Write(wq, summary, gate, promotion, nil)
	if err != nil {
		return RunResult{}, fmt.Errorf("pipeline: write state space: %w", err)
	}
	stateSpacePath := filepath.Join(runDir, "state.space.json")
	if err := writeJSON(stateSpacePath, space); err != nil {
		return RunResult{}, err
	}

	if err := fileLog.Close(); err != nil {
		return RunResult{}, fmt.Errorf("pipeline: close event log: %w", err)
	}
	events, err := eventbus.LoadEnvelopes(eventLogPath, wq.RunID)
	if err != nil {
		return RunResult{}, fmt.Errorf("pipeline: load event log for control ledger: %w", err)
	}
	ledger := eventbus.MaterializeControlLedger(events, wq.RunID)
	controlLedgerPath := filepath.Join(runDir, "control.ledger.json")
	if err := writeJSON(controlLedgerPath, ledger); err != nil {
		return RunResult{}, err
	}

	return RunResult{
		RunID:               wq.RunID,
		RunDir:              runDir,
		WorkQueuePath:       workQueuePath,
		SummaryPath:         filepath.Join(runDir, "summary.json"),
		GateDecisionPath:    gateDecisionPath,
		PromotionLedgerPath: cfg.PromotionLedgerPath,
		ControlLedgerPath:   controlLedgerPath,
		StateSpacePath:      stateSpacePath,
		Summary:             summary,
		Gate:                gate,
		Promotion:           promotion,
		ControlLedger:       ledger,
		StateSpace:          space,
	}, nil
}

// traceWrapWorker starts an OTel span around each attempt so traceRefFor can
// report a real trace/span id for the task's evidence bundle; it wraps an
// inner harness.Worker rather than replacing it.
func traceWrapWorker(inner harness.Worker) harness.Worker {
	return func(ctx context.Context, task model.Task, attempt int) harness.WorkerAttempt {
		ctx, span := tracer.Start(ctx, "pipeline.attempt", trace.WithAttributes(
			attribute.String("dome.task_id", task.TaskID),
			attribute.Int("dome.attempt", attempt),
		))
		defer span.End()
		taskSpans.store(task.TaskID, span.SpanContext())
		return inner(ctx, task, attempt)
	}
}

// traceRefFor looks up the most recent span context recorded for taskID by
// traceWrapWorker, falling back to a deterministic hash-derived pair
// (mirroring checker.finalize's own fallback) when no live span was seen —
// which happens for a task whose worker never ran a recorded attempt.
func traceRefFor(_ context.Context, runID, taskID string) (traceIDHex, spanIDHex string) {
	if sc, ok := taskSpans.load(taskID); ok && sc.HasTraceID() && sc.HasSpanID() {
		return sc.TraceID().String(), sc.SpanID().String()
	}
	return deterministicTraceRef(runID + ":" + taskID)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: marshal %s: %w", path, err)
	}
	if err := security.AtomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("pipeline: write %s: %w", path, err)
	}
	return nil
}
