// Package model defines the shared data types that flow through the run
// pipeline: pre-contracts, work queues, tasks, attempts, results, events,
// evidence bundles, and gate/promotion decisions.
//
// Dynamic JSON lives at the edges (pre-contracts, work queues, and decision
// documents all arrive or leave as JSON); the pipeline itself works with the
// typed values defined here, validated once at the boundary.
package model

import "fmt"

// TaskStatus is the lifecycle state of a single task.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "QUEUED"
	TaskClaimed TaskStatus = "CLAIMED"
	TaskRunning TaskStatus = "RUNNING"
	TaskGated   TaskStatus = "GATED"
	TaskDone    TaskStatus = "DONE"
	TaskBlocked TaskStatus = "BLOCKED"
)

// AttemptStatus is the outcome of a single worker attempt.
type AttemptStatus string

const (
	AttemptPass AttemptStatus = "PASS"
	AttemptFail AttemptStatus = "FAIL"
)

// GateStatus is the gate's verdict on a run's wave of results.
type GateStatus string

const (
	GateApprove    GateStatus = "APPROVE"
	GateReject     GateStatus = "REJECT"
	GateNeedsHuman GateStatus = "NEEDS_HUMAN"
)

// SubstrateStatus is the fixed translation of a GateStatus.
type SubstrateStatus string

const (
	SubstratePromote SubstrateStatus = "PROMOTE"
	SubstrateDeny    SubstrateStatus = "DENY"
	SubstrateStop    SubstrateStatus = "STOP"
)

// SubstrateStatusFor maps a gate status to its fixed substrate status.
func SubstrateStatusFor(status GateStatus) SubstrateStatus {
	switch status {
	case GateApprove:
		return SubstratePromote
	case GateReject:
		return SubstrateDeny
	case GateNeedsHuman:
		return SubstrateStop
	default:
		return ""
	}
}

// Budgets captures the iteration and time budget carried on a pre-contract.
type Budgets struct {
	IterationBudget int `json:"iteration_budget"`
	TimeMinutes     int `json:"time_minutes,omitempty"`
}

// Actions describes the external commands a pre-contract authorizes.
type Actions struct {
	// Test holds the verify command, either a shell string or an argv list.
	// Accept both shapes at the JSON boundary; ToArgv normalizes.
	Test any `json:"test,omitempty"`
}

// PlanCard carries the human-authored rationale for a pre-contract.
type PlanCard struct {
	Why  string `json:"why"`
	What string `json:"what"`
}

// PreContract is the high-level objective handed to the planner.
type PreContract struct {
	PacketID string   `json:"packet_id"`
	BaseRef  string   `json:"base_ref"`
	Budgets  Budgets  `json:"budgets"`
	Actions  Actions  `json:"actions"`
	PlanCard PlanCard `json:"plan_card"`
}

// RunID derives the canonical run identifier for this pre-contract.
func (p PreContract) RunID() string {
	return "run-" + p.PacketID
}

// HasVerify reports whether the pre-contract names a verify command.
func (p PreContract) HasVerify() bool {
	switch v := p.Actions.Test.(type) {
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case []string:
		return len(v) > 0
	default:
		return false
	}
}

// TestArgv normalizes Actions.Test into an argv slice. A bare string is
// treated as a single-element argv (the caller runs it through a shell when
// appropriate); a list is used verbatim.
func (p PreContract) TestArgv() []string {
	switch v := p.Actions.Test.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ToolContract restricts a task to a set of explicitly allowed methods.
type ToolContract struct {
	AllowedMethods []string `json:"allowed_methods"`
}

// SpawnSpec is the set of fields describing how a task's work is handed to
// an external execution substrate. Decoding into it drops keys outside these
// fields without error, and Validate checks only action_spec.intent and
// run_id: a spec with other keys missing or extra keys present passes.
type SpawnSpec struct {
	RunID             string     `json:"run_id"`
	WaveID            string     `json:"wave_id"`
	NodeID            string     `json:"node_id"`
	NodeExecutionID   string     `json:"node_execution_id"`
	TaskSpecRef       string     `json:"task_spec_ref"`
	ToolProfileRef    string     `json:"tool_profile_ref"`
	ContainerRef      string     `json:"container_ref"`
	ActionSpec        ActionSpec `json:"action_spec"`
	DeterminismSeed   int64      `json:"determinism_seed"`
	InputsHash        string     `json:"inputs_hash"`
}

// ActionSpec is the intent carried by a SpawnSpec.
type ActionSpec struct {
	Intent string `json:"intent"`
}

// Validate checks that a SpawnSpec carries a non-empty intent and, when a
// run ID is expected, that it matches the work queue's run ID.
func (s SpawnSpec) Validate(expectedRunID string) error {
	if s.ActionSpec.Intent == "" {
		return fmt.Errorf("spawn_spec.action_spec.intent must be non-empty")
	}
	if expectedRunID != "" && s.RunID != expectedRunID {
		return fmt.Errorf("spawn_spec.run_id %q does not match work queue run_id %q", s.RunID, expectedRunID)
	}
	return nil
}

// Task is a unit of work in a WorkQueue.
type Task struct {
	TaskID          string         `json:"task_id"`
	Goal            string         `json:"goal"`
	Status          TaskStatus     `json:"status"`
	Dependencies    []string       `json:"dependencies"`
	WorkerModel     string         `json:"worker_model,omitempty"`
	Priority        string         `json:"priority,omitempty"`
	CreatedAt       string         `json:"created_at,omitempty"`
	PayloadDigest   string         `json:"payload_digest,omitempty"`
	RequestedMethod string         `json:"requested_method,omitempty"`
	ToolContract    *ToolContract  `json:"tool_contract,omitempty"`
	SpawnSpec       *SpawnSpec     `json:"spawn_spec,omitempty"`

	// Extra holds any additional raw keys present on the task at the JSON
	// boundary, used solely to detect forbidden direct-invocation keys.
	Extra map[string]any `json:"-"`
}

// ForbiddenTaskKeys names the keys that must never appear directly on a
// task: they would let a task bypass the tool contract and invoke a method
// directly.
var ForbiddenTaskKeys = []string{"method", "tool_method", "raw_call", "command"}

// TieBreakKey is the deterministic 4-tuple used to order ready tasks.
type TieBreakKey struct {
	Priority      string
	CreatedAt     string
	PayloadDigest string
	TaskID        string
}

// Key returns the task's tie-break key.
func (t Task) Key() TieBreakKey {
	return TieBreakKey{
		Priority:      t.Priority,
		CreatedAt:     t.CreatedAt,
		PayloadDigest: t.PayloadDigest,
		TaskID:        t.TaskID,
	}
}

// Less implements the ascending, component-wise string comparison used to
// sort the ready set deterministically.
func (k TieBreakKey) Less(o TieBreakKey) bool {
	if k.Priority != o.Priority {
		return k.Priority < o.Priority
	}
	if k.CreatedAt != o.CreatedAt {
		return k.CreatedAt < o.CreatedAt
	}
	if k.PayloadDigest != o.PayloadDigest {
		return k.PayloadDigest < o.PayloadDigest
	}
	return k.TaskID < o.TaskID
}

// WorkQueue is the dependency-ordered plan produced by the planner.
type WorkQueue struct {
	Version      string `json:"version"`
	RunID        string `json:"run_id"`
	BaseRef      string `json:"base_ref"`
	MaxWorkers   int    `json:"max_workers"`
	Tasks        []Task `json:"tasks"`
	ArtifactKind string `json:"artifact_kind,omitempty"`
}

// ArtifactKindV02 is the accepted legacy artifact_kind marker for work queues.
const ArtifactKindV02 = "dome.work.queue/v0.2"

// AttemptRecord is one historical attempt at a task.
type AttemptRecord struct {
	Attempt    int           `json:"attempt"`
	Status     AttemptStatus `json:"status"`
	ReasonCode string        `json:"reason_code,omitempty"`
	Notes      string        `json:"notes,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	BackoffMS  int64         `json:"backoff_ms,omitempty"`
	Transient  bool          `json:"-"`
}

// IsTransient reports whether this attempt's failure should be retried:
// status is FAIL and either the transient flag is set or the reason code
// carries the TRANSIENT. prefix.
func (a AttemptRecord) IsTransient() bool {
	if a.Status != AttemptFail {
		return false
	}
	return a.Transient || hasTransientPrefix(a.ReasonCode)
}

func hasTransientPrefix(reasonCode string) bool {
	const prefix = "TRANSIENT."
	return len(reasonCode) >= len(prefix) && reasonCode[:len(prefix)] == prefix
}

// TaskResult is the final, persisted outcome of a task after all retries.
type TaskResult struct {
	TaskID             string          `json:"task_id"`
	Status             AttemptStatus   `json:"status"`
	Attempts           int             `json:"attempts"`
	AttemptHistory     []AttemptRecord `json:"attempt_history"`
	RetryBackoffMS     []int64         `json:"retry_backoff_ms"`
	ReasonCode         string          `json:"reason_code,omitempty"`
	WorkerModel        string          `json:"worker_model"`
	Transient          bool            `json:"transient,omitempty"`
	EvidenceBundlePath string          `json:"evidence_bundle_path"`
	AttemptHistoryPath string          `json:"attempt_history_path"`
	DLQPath            string          `json:"dlq_path,omitempty"`

	// RiskScoreHint is an optional, worker-supplied risk signal consumed by
	// the checker. It is not itself part of the persisted evidence bundle.
	RiskScoreHint int `json:"-"`
}

// RunSummary is the canonical, task-ordered result list for a run.
type RunSummary struct {
	RunID   string       `json:"run_id"`
	Results []TaskResult `json:"results"`
}
