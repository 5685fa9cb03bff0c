// Package binder derives remediation-candidate rows from task_fact rows
// materialized by memoryd. A derived row names a scope/target/action the
// rest of the system can act on (file a follow-up, open a ticket, retry a
// pattern) without recomputing eligibility from raw run artifacts.
package binder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EligibilityMode controls which task rows DeriveRowsFromTaskRows considers.
type EligibilityMode string

const (
	// Strict and Hybrid both derive only from a failed task or one carrying
	// a failure/policy reason code; they are kept as distinct named modes
	// because a future hybrid policy is expected to add extra signals
	// (e.g. risk score) without touching Strict's contract.
	Strict  EligibilityMode = "strict"
	Hybrid  EligibilityMode = "hybrid"
	Lenient EligibilityMode = "lenient"
)

// TaskRow is the subset of a materialized task_fact row the binder reads.
type TaskRow struct {
	RunID             string
	TaskID            string
	GroupID           string
	Status            string
	FailureReasonCode string
	PolicyReasonCode  string
	Attempts          int
	DurationMS        int64
	WorkerModel       string
}

// DerivedRow is one binder_fact row: a scoped action candidate, keyed so
// that replaying the same TaskRow set with the same binder version always
// produces the same keys (idempotent upsert, not a growing history).
type DerivedRow struct {
	IdempotencyKey    string `json:"idempotency_key"`
	DerivedUpsertKey  string `json:"derived_upsert_key"`
	Fingerprint       string `json:"fingerprint"`
	RunID             string `json:"run_id"`
	TaskID            string `json:"task_id"`
	GroupID           string `json:"group_id"`
	Scope             string `json:"scope"`
	TargetKind        string `json:"target_kind"`
	TargetID          string `json:"target_id"`
	ActionKind        string `json:"action_kind"`
	FailureReasonCode string `json:"failure_reason_code,omitempty"`
}

// Version is the binder logic version folded into both derived keys; bump
// it whenever fingerprint or key composition changes so old and new rows
// never collide.
const Version = "1"

// DeriveRowsFromTaskRows filters rows by mode's eligibility rule and derives
// one DerivedRow per eligible row.
func DeriveRowsFromTaskRows(rows []TaskRow, mode EligibilityMode) []DerivedRow {
	var out []DerivedRow
	for _, row := range rows {
		if !eligible(row, mode) {
			continue
		}
		out = append(out, derive(row))
	}
	return out
}

func eligible(row TaskRow, mode EligibilityMode) bool {
	if mode == Lenient {
		return true
	}
	return row.Status == "FAIL" || row.FailureReasonCode != "" || row.PolicyReasonCode != ""
}

// scope, targetKind, and actionKind are fixed: every derived row names a
// single task within its run as the target of a "remediate" action. A
// richer scope taxonomy (group-level, cross-run) is out of scope until a
// consumer actually needs one.
const (
	scopeRun         = "run"
	targetKindTask   = "task"
	actionKindRemediate = "remediate"
)

func derive(row TaskRow) DerivedRow {
	fingerprint := fingerprintOf(row)
	return DerivedRow{
		IdempotencyKey:    hashJoin(row.RunID, row.TaskID, row.GroupID, Version),
		DerivedUpsertKey:  hashJoin(scopeRun, targetKindTask, row.TaskID, actionKindRemediate, row.FailureReasonCode, fingerprint, Version),
		Fingerprint:       fingerprint,
		RunID:             row.RunID,
		TaskID:            row.TaskID,
		GroupID:           row.GroupID,
		Scope:             scopeRun,
		TargetKind:        targetKindTask,
		TargetID:          row.TaskID,
		ActionKind:        actionKindRemediate,
		FailureReasonCode: row.FailureReasonCode,
	}
}

// fingerprintOf hashes the canonical JSON encoding of the fields that
// identify whether two attempts at the same task produced the same
// observable outcome.
func fingerprintOf(row TaskRow) string {
	canonical := struct {
		Status            string `json:"status"`
		FailureReasonCode string `json:"failure_reason_code"`
		PolicyReasonCode  string `json:"policy_reason_code"`
		Attempts          int    `json:"attempts"`
		DurationMS        int64  `json:"duration_ms"`
		WorkerModel       string `json:"worker_model"`
	}{row.Status, row.FailureReasonCode, row.PolicyReasonCode, row.Attempts, row.DurationMS, row.WorkerModel}
	data, err := json.Marshal(canonical)
	if err != nil {
		// canonical is entirely JSON-safe scalar fields; a marshal error
		// here would mean the struct itself is broken.
		data = []byte(fmt.Sprintf("%v", canonical))
	}
	return sha256Hex(data)
}

func hashJoin(parts ...string) string {
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += "|"
		}
		joined += p
	}
	return sha256Hex([]byte(joined))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
