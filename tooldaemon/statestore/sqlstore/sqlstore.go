// Package sqlstore is the durable, embedded-SQL StateStore implementation:
// write-ahead logging, indexes on (state, updated_at) and (job_id, seq),
// every mutation wrapped in a single transaction.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/domeai/dome/tooldaemon"
)

// Store is a modernc.org/sqlite-backed StateStore.
type Store struct {
	db *sql.DB
}

var _ tooldaemon.StateStore = (*Store)(nil)

// Open opens (creating if necessary) a WAL-mode SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers across conns
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	state TEXT NOT NULL,
	skill_id TEXT NOT NULL,
	profile TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	client_id TEXT NOT NULL,
	artifacts TEXT NOT NULL,
	created_at_epoch INTEGER NOT NULL,
	updated_at_epoch INTEGER NOT NULL,
	repo TEXT, commit_sha TEXT, dirty_flag INTEGER,
	input_hash TEXT, env_fingerprint TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_state_updated ON jobs(state, updated_at_epoch);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(client_id, idempotency_key) WHERE idempotency_key != '';

CREATE TABLE IF NOT EXISTS job_events (
	job_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	ts_epoch INTEGER NOT NULL,
	PRIMARY KEY (job_id, seq)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply sqlstore schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Submit inserts job, or replays the stored job on a matching idempotent
// resubmission, all within a single transaction.
func (s *Store) Submit(job tooldaemon.JobRecord, clientID string) (tooldaemon.JobRecord, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return tooldaemon.JobRecord{}, false, fmt.Errorf("begin submit transaction: %w", err)
	}
	defer tx.Rollback()

	if job.IdempotencyKey != "" {
		var existingJobID, existingHash string
		err := tx.QueryRow(`SELECT job_id, request_hash FROM jobs WHERE client_id = ? AND idempotency_key = ?`,
			clientID, job.IdempotencyKey).Scan(&existingJobID, &existingHash)
		switch {
		case err == nil:
			if existingHash != job.RequestHash {
				return tooldaemon.JobRecord{}, false, tooldaemon.ErrIdempotencyKeyReused
			}
			existing, err := s.getTx(tx, existingJobID)
			if err != nil {
				return tooldaemon.JobRecord{}, false, err
			}
			return existing, true, tx.Commit()
		case err != sql.ErrNoRows:
			return tooldaemon.JobRecord{}, false, fmt.Errorf("check idempotency row: %w", err)
		}
	}

	artifacts, err := json.Marshal(job.Artifacts)
	if err != nil {
		return tooldaemon.JobRecord{}, false, fmt.Errorf("marshal artifacts: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO jobs (job_id, run_id, state, skill_id, profile, idempotency_key, request_hash,
		client_id, artifacts, created_at_epoch, updated_at_epoch, repo, commit_sha, dirty_flag, input_hash, env_fingerprint)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.JobID, job.RunID, string(job.State), job.SkillID, job.Profile, job.IdempotencyKey, job.RequestHash,
		clientID, string(artifacts), job.CreatedAtEpoch, job.UpdatedAtEpoch, job.Repo, job.CommitSHA, job.Dirty, job.InputHash, job.EnvFingerprint)
	if err != nil {
		return tooldaemon.JobRecord{}, false, fmt.Errorf("insert job %s: %w", job.JobID, err)
	}
	return job, false, tx.Commit()
}

func (s *Store) getTx(tx *sql.Tx, jobID string) (tooldaemon.JobRecord, error) {
	var job tooldaemon.JobRecord
	var state, artifacts string
	err := tx.QueryRow(`SELECT job_id, run_id, state, skill_id, profile, idempotency_key, request_hash,
		artifacts, created_at_epoch, updated_at_epoch, repo, commit_sha, dirty_flag, input_hash, env_fingerprint
		FROM jobs WHERE job_id = ?`, jobID).Scan(
		&job.JobID, &job.RunID, &state, &job.SkillID, &job.Profile, &job.IdempotencyKey, &job.RequestHash,
		&artifacts, &job.CreatedAtEpoch, &job.UpdatedAtEpoch, &job.Repo, &job.CommitSHA, &job.Dirty, &job.InputHash, &job.EnvFingerprint)
	if err == sql.ErrNoRows {
		return tooldaemon.JobRecord{}, tooldaemon.ErrJobNotFound
	}
	if err != nil {
		return tooldaemon.JobRecord{}, fmt.Errorf("query job %s: %w", jobID, err)
	}
	job.State = tooldaemon.JobState(state)
	if err := json.Unmarshal([]byte(artifacts), &job.Artifacts); err != nil {
		return tooldaemon.JobRecord{}, fmt.Errorf("decode artifacts for job %s: %w", jobID, err)
	}
	rows, err := tx.Query(`SELECT seq, event_type, payload, ts_epoch FROM job_events WHERE job_id = ? ORDER BY seq ASC`, jobID)
	if err != nil {
		return tooldaemon.JobRecord{}, fmt.Errorf("query events for job %s: %w", jobID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var evt tooldaemon.EventRecord
		var typ, payload string
		if err := rows.Scan(&evt.Seq, &typ, &payload, &evt.TSEpoch); err != nil {
			return tooldaemon.JobRecord{}, fmt.Errorf("scan event for job %s: %w", jobID, err)
		}
		evt.Type = tooldaemon.EventType(typ)
		var decoded any
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			return tooldaemon.JobRecord{}, fmt.Errorf("decode event payload for job %s: %w", jobID, err)
		}
		evt.Payload = decoded
		job.Events = append(job.Events, evt)
	}
	return job, rows.Err()
}

// Get returns the job with the given ID.
func (s *Store) Get(jobID string) (tooldaemon.JobRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return tooldaemon.JobRecord{}, fmt.Errorf("begin get transaction: %w", err)
	}
	defer tx.Rollback()
	job, err := s.getTx(tx, jobID)
	if err != nil {
		return tooldaemon.JobRecord{}, err
	}
	return job, tx.Commit()
}

// Transition moves jobID to state to, rejecting the call if the job is
// already terminal.
func (s *Store) Transition(jobID string, to tooldaemon.JobState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transition transaction: %w", err)
	}
	defer tx.Rollback()

	var state string
	if err := tx.QueryRow(`SELECT state FROM jobs WHERE job_id = ?`, jobID).Scan(&state); err == sql.ErrNoRows {
		return tooldaemon.ErrJobNotFound
	} else if err != nil {
		return fmt.Errorf("query job state for %s: %w", jobID, err)
	}
	if tooldaemon.JobState(state).Terminal() {
		return tooldaemon.ErrTerminalJob
	}
	if _, err := tx.Exec(`UPDATE jobs SET state = ?, updated_at_epoch = ? WHERE job_id = ?`, string(to), time.Now().Unix(), jobID); err != nil {
		return fmt.Errorf("update job state for %s: %w", jobID, err)
	}
	return tx.Commit()
}

// Cancel moves a non-terminal job to canceled; a no-op when already
// terminal.
func (s *Store) Cancel(jobID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin cancel transaction: %w", err)
	}
	defer tx.Rollback()

	var state string
	if err := tx.QueryRow(`SELECT state FROM jobs WHERE job_id = ?`, jobID).Scan(&state); err == sql.ErrNoRows {
		return tooldaemon.ErrJobNotFound
	} else if err != nil {
		return fmt.Errorf("query job state for %s: %w", jobID, err)
	}
	if tooldaemon.JobState(state).Terminal() {
		return tx.Commit()
	}
	if _, err := tx.Exec(`UPDATE jobs SET state = ?, updated_at_epoch = ? WHERE job_id = ?`, string(tooldaemon.JobCanceled), time.Now().Unix(), jobID); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return tx.Commit()
}

// AppendEvent assigns the next per-job seq and persists the event.
func (s *Store) AppendEvent(jobID string, typ tooldaemon.EventType, payload any) (tooldaemon.EventRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return tooldaemon.EventRecord{}, fmt.Errorf("begin append-event transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM jobs WHERE job_id = ?`, jobID).Scan(&exists); err != nil {
		return tooldaemon.EventRecord{}, fmt.Errorf("check job %s exists: %w", jobID, err)
	}
	if exists == 0 {
		return tooldaemon.EventRecord{}, tooldaemon.ErrJobNotFound
	}

	var nextSeq int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM job_events WHERE job_id = ?`, jobID).Scan(&nextSeq); err != nil {
		return tooldaemon.EventRecord{}, fmt.Errorf("compute next seq for job %s: %w", jobID, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return tooldaemon.EventRecord{}, fmt.Errorf("marshal event payload: %w", err)
	}
	now := time.Now().Unix()
	if _, err := tx.Exec(`INSERT INTO job_events (job_id, seq, event_type, payload, ts_epoch) VALUES (?,?,?,?,?)`,
		jobID, nextSeq, string(typ), string(data), now); err != nil {
		return tooldaemon.EventRecord{}, fmt.Errorf("insert event for job %s: %w", jobID, err)
	}
	if _, err := tx.Exec(`UPDATE jobs SET updated_at_epoch = ? WHERE job_id = ?`, now, jobID); err != nil {
		return tooldaemon.EventRecord{}, fmt.Errorf("touch job %s: %w", jobID, err)
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return tooldaemon.EventRecord{}, fmt.Errorf("decode event payload: %w", err)
	}
	record := tooldaemon.EventRecord{Seq: nextSeq, Type: typ, Payload: decoded, TSEpoch: now}
	return record, tx.Commit()
}

// EventsSince returns events with seq > sinceSeq, ascending.
func (s *Store) EventsSince(jobID string, sinceSeq int64) ([]tooldaemon.EventRecord, error) {
	rows, err := s.db.Query(`SELECT seq, event_type, payload, ts_epoch FROM job_events WHERE job_id = ? AND seq > ? ORDER BY seq ASC`, jobID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("query events since %d for job %s: %w", sinceSeq, jobID, err)
	}
	defer rows.Close()
	var out []tooldaemon.EventRecord
	for rows.Next() {
		var evt tooldaemon.EventRecord
		var typ, payload string
		if err := rows.Scan(&evt.Seq, &typ, &payload, &evt.TSEpoch); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		evt.Type = tooldaemon.EventType(typ)
		var decoded any
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		evt.Payload = decoded
		out = append(out, evt)
	}
	return out, rows.Err()
}

// GC removes terminal jobs (and their events) whose updated_at_epoch is
// older than now-ttl, in a single transaction.
func (s *Store) GC(ttl time.Duration, now time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin GC transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.Add(-ttl).Unix()
	rows, err := tx.Query(`SELECT job_id FROM jobs WHERE state IN (?, ?, ?) AND updated_at_epoch < ?`,
		string(tooldaemon.JobSucceeded), string(tooldaemon.JobFailed), string(tooldaemon.JobCanceled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("select GC candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan GC candidate: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM job_events WHERE job_id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete events for job %s: %w", id, err)
		}
		if _, err := tx.Exec(`DELETE FROM jobs WHERE job_id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete job %s: %w", id, err)
		}
	}
	return len(ids), tx.Commit()
}
