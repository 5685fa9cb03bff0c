// Package memoryd discovers completed run directories, normalizes their
// artifacts into a queryable fact store, and derives binder_fact rows from
// the task facts it materializes. It is the one component in the pipeline
// that reads run artifacts back off disk rather than producing them.
package memoryd

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/domeai/dome/binder"
)

// RunFact is one run's materialized summary row.
type RunFact struct {
	RunID          string  `json:"run_id"`
	BaseRef        string  `json:"base_ref"`
	TaskCount      int     `json:"task_count"`
	GateStatus     string  `json:"gate_status"`
	PromotionState string  `json:"promotion_state"`
	Confidence     float64 `json:"confidence"`
	RiskScore      int     `json:"risk_score"`
	ManifestPath   string  `json:"manifest_path"`
}

// TaskFact is one task's materialized outcome row within a run.
type TaskFact struct {
	RunID             string `json:"run_id"`
	TaskID            string `json:"task_id"`
	GroupID           string `json:"group_id"`
	Status            string `json:"status"`
	Attempts          int    `json:"attempts"`
	DurationMS        int64  `json:"duration_ms"`
	WorkerModel       string `json:"worker_model"`
	FailureReasonCode string `json:"failure_reason_code"`
	PolicyReasonCode  string `json:"policy_reason_code"`
}

// EventFact is one bus event materialized from a run's durable event log.
type EventFact struct {
	RunID    string `json:"run_id"`
	Sequence uint64 `json:"sequence"`
	EventID  string `json:"event_id"`
	Topic    string `json:"topic"`
	TS       string `json:"ts"`
	Payload  string `json:"payload"`
}

// Store is the modernc.org/sqlite-backed fact store: run_fact, task_fact,
// event_fact, and binder_fact, each upserted with INSERT ... ON CONFLICT DO
// UPDATE so a re-materialized run never duplicates rows.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the fact store database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memoryd: open sqlite database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across conns
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("memoryd: enable WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS run_fact (
	run_id TEXT PRIMARY KEY,
	base_ref TEXT NOT NULL,
	task_count INTEGER NOT NULL,
	gate_status TEXT NOT NULL,
	promotion_state TEXT NOT NULL,
	confidence REAL NOT NULL,
	risk_score INTEGER NOT NULL,
	manifest_path TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_fact (
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	group_id TEXT,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	worker_model TEXT,
	failure_reason_code TEXT,
	policy_reason_code TEXT,
	PRIMARY KEY (run_id, task_id)
);

CREATE TABLE IF NOT EXISTS event_fact (
	run_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	topic TEXT NOT NULL,
	ts TEXT NOT NULL,
	payload TEXT NOT NULL,
	PRIMARY KEY (run_id, sequence)
);

CREATE TABLE IF NOT EXISTS binder_fact (
	idempotency_key TEXT NOT NULL,
	derived_upsert_key TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	group_id TEXT,
	scope TEXT NOT NULL,
	target_kind TEXT NOT NULL,
	target_id TEXT NOT NULL,
	action_kind TEXT NOT NULL,
	failure_reason_code TEXT
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("memoryd: apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// UpsertRunFact inserts or replaces fact's row.
func (s *Store) UpsertRunFact(fact RunFact) error {
	_, err := s.db.Exec(`
INSERT INTO run_fact (run_id, base_ref, task_count, gate_status, promotion_state, confidence, risk_score, manifest_path)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
	base_ref = excluded.base_ref,
	task_count = excluded.task_count,
	gate_status = excluded.gate_status,
	promotion_state = excluded.promotion_state,
	confidence = excluded.confidence,
	risk_score = excluded.risk_score,
	manifest_path = excluded.manifest_path`,
		fact.RunID, fact.BaseRef, fact.TaskCount, fact.GateStatus, fact.PromotionState, fact.Confidence, fact.RiskScore, fact.ManifestPath)
	if err != nil {
		return fmt.Errorf("memoryd: upsert run_fact %s: %w", fact.RunID, err)
	}
	return nil
}

// UpsertTaskFact inserts or replaces fact's row.
func (s *Store) UpsertTaskFact(fact TaskFact) error {
	_, err := s.db.Exec(`
INSERT INTO task_fact (run_id, task_id, group_id, status, attempts, duration_ms, worker_model, failure_reason_code, policy_reason_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, task_id) DO UPDATE SET
	group_id = excluded.group_id,
	status = excluded.status,
	attempts = excluded.attempts,
	duration_ms = excluded.duration_ms,
	worker_model = excluded.worker_model,
	failure_reason_code = excluded.failure_reason_code,
	policy_reason_code = excluded.policy_reason_code`,
		fact.RunID, fact.TaskID, fact.GroupID, fact.Status, fact.Attempts, fact.DurationMS, fact.WorkerModel, fact.FailureReasonCode, fact.PolicyReasonCode)
	if err != nil {
		return fmt.Errorf("memoryd: upsert task_fact %s/%s: %w", fact.RunID, fact.TaskID, err)
	}
	return nil
}

// UpsertEventFact inserts or replaces fact's row.
func (s *Store) UpsertEventFact(fact EventFact) error {
	_, err := s.db.Exec(`
INSERT INTO event_fact (run_id, sequence, event_id, topic, ts, payload)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, sequence) DO UPDATE SET
	event_id = excluded.event_id,
	topic = excluded.topic,
	ts = excluded.ts,
	payload = excluded.payload`,
		fact.RunID, fact.Sequence, fact.EventID, fact.Topic, fact.TS, fact.Payload)
	if err != nil {
		return fmt.Errorf("memoryd: upsert event_fact %s/%d: %w", fact.RunID, fact.Sequence, err)
	}
	return nil
}

// UpsertBinderFact inserts or replaces row, keyed on its derived_upsert_key.
func (s *Store) UpsertBinderFact(row binder.DerivedRow) error {
	_, err := s.db.Exec(`
INSERT INTO binder_fact (idempotency_key, derived_upsert_key, fingerprint, run_id, task_id, group_id, scope, target_kind, target_id, action_kind, failure_reason_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(derived_upsert_key) DO UPDATE SET
	idempotency_key = excluded.idempotency_key,
	fingerprint = excluded.fingerprint,
	run_id = excluded.run_id,
	task_id = excluded.task_id,
	group_id = excluded.group_id,
	scope = excluded.scope,
	target_kind = excluded.target_kind,
	target_id = excluded.target_id,
	action_kind = excluded.action_kind,
	failure_reason_code = excluded.failure_reason_code`,
		row.IdempotencyKey, row.DerivedUpsertKey, row.Fingerprint, row.RunID, row.TaskID, row.GroupID,
		row.Scope, row.TargetKind, row.TargetID, row.ActionKind, row.FailureReasonCode)
	if err != nil {
		return fmt.Errorf("memoryd: upsert binder_fact %s: %w", row.DerivedUpsertKey, err)
	}
	return nil
}

// CountRunFacts returns the number of materialized runs, used by tests to
// assert idempotent re-materialization didn't duplicate rows.
func (s *Store) CountRunFacts() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM run_fact`).Scan(&n); err != nil {
		return 0, fmt.Errorf("memoryd: count run_fact: %w", err)
	}
	return n, nil
}

// TaskFactsForRun returns every task_fact row for runID, ordered by task_id.
// The materializer derives binder rows from its in-memory facts and does not
// call it.
func (s *Store) TaskFactsForRun(runID string) ([]TaskFact, error) {
	rows, err := s.db.Query(`SELECT run_id, task_id, group_id, status, attempts, duration_ms, worker_model, failure_reason_code, policy_reason_code FROM task_fact WHERE run_id = ? ORDER BY task_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("memoryd: query task_fact for %s: %w", runID, err)
	}
	defer rows.Close()
	var out []TaskFact
	for rows.Next() {
		var f TaskFact
		var groupID, workerModel, failureCode, policyCode sql.NullString
		if err := rows.Scan(&f.RunID, &f.TaskID, &groupID, &f.Status, &f.Attempts, &f.DurationMS, &workerModel, &failureCode, &policyCode); err != nil {
			return nil, fmt.Errorf("memoryd: scan task_fact row: %w", err)
		}
		f.GroupID = groupID.String
		f.WorkerModel = workerModel.String
		f.FailureReasonCode = failureCode.String
		f.PolicyReasonCode = policyCode.String
		out = append(out, f)
	}
	return out, rows.Err()
}

func marshalPayload(payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(data)
}
