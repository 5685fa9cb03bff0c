// Package checker implements the gate: the deterministic combination of
// worker results, an optional verify command, and risk hints into a
// GateDecision.
package checker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/domeai/dome/model"
)

var tracer = otel.Tracer("github.com/domeai/dome/checker")

// ReasonCodeCatalog is the validated set of canonical reason codes the gate
// is permitted to emit. A reason code outside this set is a hard error,
// never silently accepted.
var ReasonCodeCatalog = map[string]struct{}{
	"VERIFY.TEST_FAILURE":   {},
	"EXEC.NONZERO_EXIT":     {},
	"POLICY.NEEDS_HUMAN":    {},
}

// VerifyRunner executes the verify command in dir and reports whether it
// exited zero. Swapped out in tests for a fixed outcome.
type VerifyRunner func(ctx context.Context, argv []string, dir string) (exitedZero bool, err error)

// RunVerifyCommand runs argv via os/exec, the production VerifyRunner.
func RunVerifyCommand(ctx context.Context, argv []string, dir string) (bool, error) {
	if len(argv) == 0 {
		return true, nil
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if ok := isExitError(err, &exitErr); ok {
		return false, nil
	}
	return false, fmt.Errorf("run verify command: %w", err)
}

func isExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// Options configures a gate evaluation.
type Options struct {
	VerifyArgv    []string
	VerifyDir     string
	RiskThreshold int
	TraceEnabled  bool
	Verify        VerifyRunner
}

// Evaluate runs the gate algorithm over a run summary and returns a
// GateDecision. Every emitted reason code is validated against
// ReasonCodeCatalog before the decision is returned.
func Evaluate(ctx context.Context, summary model.RunSummary, opts Options) (model.GateDecision, error) {
	var span trace.Span
	if opts.TraceEnabled {
		ctx, span = tracer.Start(ctx, "checker.evaluate")
		defer span.End()
	}

	decision := model.GateDecision{
		Version: "1",
		RunID:   summary.RunID,
		TaskID:  "wave-gate",
	}

	if len(opts.VerifyArgv) > 0 {
		verify := opts.Verify
		if verify == nil {
			verify = RunVerifyCommand
		}
		ok, err := verify(ctx, opts.VerifyArgv, opts.VerifyDir)
		if err != nil {
			return model.GateDecision{}, fmt.Errorf("run verify command: %w", err)
		}
		if !ok {
			decision.Status = model.GateReject
			decision.ReasonCodes = []string{"VERIFY.TEST_FAILURE"}
			decision.Confidence = 0.98
			decision.RiskScore = 95
			return finalize(ctx, decision, opts, span)
		}
	}

	maxRisk := 0
	anyFailed := false
	for _, result := range summary.Results {
		if result.Status != model.AttemptPass {
			anyFailed = true
		}
		if result.RiskScoreHint > maxRisk {
			maxRisk = result.RiskScoreHint
		}
	}
	if anyFailed {
		decision.Status = model.GateReject
		decision.ReasonCodes = []string{"EXEC.NONZERO_EXIT"}
		decision.Confidence = 0.95
		decision.RiskScore = 85
		return finalize(ctx, decision, opts, span)
	}

	if maxRisk >= opts.RiskThreshold {
		decision.Status = model.GateNeedsHuman
		decision.ReasonCodes = []string{"POLICY.NEEDS_HUMAN"}
		decision.Confidence = 0.7
		decision.RiskScore = maxRisk
		return finalize(ctx, decision, opts, span)
	}

	decision.Status = model.GateApprove
	decision.Confidence = 0.9
	decision.RiskScore = maxRisk
	if decision.RiskScore < 20 {
		decision.RiskScore = 20
	}
	return finalize(ctx, decision, opts, span)
}

func finalize(ctx context.Context, decision model.GateDecision, opts Options, span trace.Span) (model.GateDecision, error) {
	for _, code := range decision.ReasonCodes {
		if _, ok := ReasonCodeCatalog[code]; !ok {
			return model.GateDecision{}, fmt.Errorf("reason code %q is not in the catalog", code)
		}
	}
	decision.SubstrateStatus = model.SubstrateStatusFor(decision.Status)

	if opts.TraceEnabled && span != nil {
		sc := span.SpanContext()
		decision.TelemetryRef = model.TelemetryRef{
			TraceIDHex: sc.TraceID().String(),
			SpanIDHex:  sc.SpanID().String(),
		}
		decision.Notes = append(decision.Notes, "trace_source=live_span")
	} else {
		sum := sha256.Sum256([]byte(decision.RunID))
		hexSum := hex.EncodeToString(sum[:])
		decision.TelemetryRef = model.TelemetryRef{
			TraceIDHex: hexSum[:32],
			SpanIDHex:  hexSum[32:48],
		}
		decision.Notes = append(decision.Notes, "trace_source=deterministic_hash")
	}
	return decision, nil
}
