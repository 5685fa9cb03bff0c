// Package tooldaemon implements the tool-execution daemon: a concurrent job
// server exposing submit/query/cancel/stream-events over a JSON-RPC wire
// protocol, backed by a pluggable, durable StateStore with idempotent
// submission, monotonic per-job event sequencing, and TTL garbage
// collection.
package tooldaemon

import (
	"errors"
	"time"
)

// JobState is the lifecycle state of a JobRecord.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// Terminal reports whether s is one of the job's terminal states; no
// transition is permitted out of a terminal state.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// EventType is the kind of a per-job EventRecord.
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventLog         EventType = "log"
	EventGuard       EventType = "guard"
	EventError       EventType = "error"
)

// EventRecord is one entry in a job's event history. Seq is per-job,
// strictly increasing from 1 with no gaps.
type EventRecord struct {
	Seq      int64     `json:"seq"`
	Type     EventType `json:"event_type"`
	Payload  any       `json:"payload"`
	TSEpoch  int64     `json:"ts_epoch"`
}

// JobRecord is the durable record of one submitted skill execution.
type JobRecord struct {
	JobID          string        `json:"job_id"`
	RunID          string        `json:"run_id"`
	State          JobState      `json:"state"`
	SkillID        string        `json:"skill_id"`
	Profile        string        `json:"profile"`
	IdempotencyKey string        `json:"idempotency_key"`
	RequestHash    string        `json:"request_hash"`
	Artifacts      []string      `json:"artifacts"`
	Events         []EventRecord `json:"events"`
	CreatedAtEpoch int64         `json:"created_at_epoch"`
	UpdatedAtEpoch int64         `json:"updated_at_epoch"`

	// Provenance mirrors GetJobStatus's run provenance fields.
	Repo          string `json:"repo,omitempty"`
	CommitSHA     string `json:"commit_sha,omitempty"`
	Dirty         bool   `json:"dirty_flag,omitempty"`
	InputHash     string `json:"input_hash,omitempty"`
	EnvFingerprint string `json:"env_fingerprint,omitempty"`
}

// ErrIdempotencyKeyReused is returned by Submit when (client_id,
// idempotency_key) was already used with a different request_hash.
var ErrIdempotencyKeyReused = errors.New("idempotency key reused with a different request hash")

// ErrJobNotFound is returned by Get/Transition/AppendEvent/Cancel for an
// unknown job_id.
var ErrJobNotFound = errors.New("job not found")

// ErrTerminalJob is returned by Transition when the job has already reached
// a terminal state. AppendEvent does not return it: Cancel records a
// state_change event after the job is already terminal, so event append
// must stay legal past the terminal boundary.
var ErrTerminalJob = errors.New("job is already in a terminal state")

// StateStore is the tool daemon's durable job/event store. The in-memory,
// embedded-SQL and Mongo variants satisfy this contract identically;
// callers must not depend on implementation-specific behavior.
type StateStore interface {
	// Submit inserts job under (clientID, job.IdempotencyKey). If that pair
	// already exists with a matching RequestHash, it returns the stored job
	// with replay=true. A mismatched RequestHash is ErrIdempotencyKeyReused.
	Submit(job JobRecord, clientID string) (stored JobRecord, replay bool, err error)
	Get(jobID string) (JobRecord, error)
	// Transition moves jobID to state to, rejecting the call if the job is
	// already terminal.
	Transition(jobID string, to JobState) error
	// Cancel moves any non-terminal job to JobCanceled; a no-op (not an
	// error) when the job is already terminal.
	Cancel(jobID string) error
	// AppendEvent assigns the next per-job seq (starting at 1) and persists
	// the event.
	AppendEvent(jobID string, typ EventType, payload any) (EventRecord, error)
	// EventsSince returns events with seq > sinceSeq, ascending by seq.
	EventsSince(jobID string, sinceSeq int64) ([]EventRecord, error)
	// GC atomically removes jobs in terminal states whose UpdatedAtEpoch is
	// older than now-ttl, along with their events and idempotency rows.
	// Returns the count removed.
	GC(ttl time.Duration, now time.Time) (int, error)
}
