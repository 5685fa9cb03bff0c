package tooldaemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/domeai/dome/tooldaemon/executor"
	"github.com/domeai/dome/tooldaemon/toolregistry"
	"github.com/domeai/dome/tooldaemon/wire"
)

type (
	// Status is the service layer's alias of the wire status envelope.
	Status = wire.Status
	// ErrCode is the service layer's alias of the wire error taxonomy.
	ErrCode = wire.ErrorCode
)

const (
	ErrInvalidRequest       = wire.ErrorInvalidRequest
	ErrNotFound             = wire.ErrorNotFound
	ErrIdempotencyKeyReused = wire.ErrorIdempotencyKeyReused
)

// OKStatus builds a successful Status.
func OKStatus(message string) Status { return wire.OKStatus(message) }

// ErrStatus builds a failed Status.
func ErrStatus(code ErrCode, message string, retryable bool) Status {
	return wire.ErrStatus(code, message, retryable)
}

// Sentinel tool IDs the daemon always understands, independent of the
// loaded registry.
const (
	ToolNoop = "job.noop"
	ToolSkillExecute = "skill-execute"
	ToolLog  = "job.log"
	ToolFail = "job.fail"
)

// DaemonVersion is the version string reported by Health.
const DaemonVersion = "domed-v1"

// NowFunc lets tests pin the clock.
type NowFunc func() time.Time

// Service implements the tool daemon's RPC surface: it validates requests,
// enforces idempotent submission through a StateStore, and routes
// non-sentinel tools to an Executor.
type Service struct {
	Store    StateStore
	Registry *toolregistry.Registry
	Exec     executor.Executor
	Now      NowFunc
}

// NewService constructs a Service with a real-time clock.
func NewService(store StateStore, registry *toolregistry.Registry, exec executor.Executor) *Service {
	return &Service{Store: store, Registry: registry, Exec: exec, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Health reports daemon liveness.
func (s *Service) Health(_ context.Context) HealthResult {
	return HealthResult{OK: true, TS: fmt.Sprintf("%.6f", float64(s.now().UnixNano())/1e9), DaemonVersion: DaemonVersion}
}

// HealthResult is Health's return value.
type HealthResult struct {
	OK            bool
	TS            string
	DaemonVersion string
}

// ListCapabilities reports the daemon's capability set.
func (s *Service) ListCapabilities(_ context.Context, profile string) CapabilitiesResult {
	toolCount := 0
	if s.Registry != nil {
		toolCount = len(s.Registry.List())
	}
	return CapabilitiesResult{
		ServerVersion: "v1",
		APIVersions:   []string{"dome.tooldaemon.v1"},
		Name:          "skill-execute",
		Version:       "v1",
		SchemaVersion: "v1",
		FeatureFlags:  []string{"inmemory", "stream-events"},
		ToolCount:     toolCount,
		Profile:       profile,
	}
}

// CapabilitiesResult is ListCapabilities's return value.
type CapabilitiesResult struct {
	ServerVersion string
	APIVersions   []string
	Name          string
	Version       string
	SchemaVersion string
	FeatureFlags  []string
	ToolCount     int
	Profile       string
}

// ListTools returns the registry's tools.
func (s *Service) ListTools(_ context.Context) []toolregistry.Tool {
	if s.Registry == nil {
		return nil
	}
	return s.Registry.List()
}

// GetTool looks up one registry entry.
func (s *Service) GetTool(_ context.Context, toolID string) (toolregistry.Tool, error) {
	if s.Registry == nil {
		return toolregistry.Tool{}, toolregistry.ErrToolNotFound
	}
	return s.Registry.Get(toolID)
}

// SkillExecuteParams is the validated input to SkillExecute.
type SkillExecuteParams struct {
	SkillID         string
	Profile         string
	IdempotencyKey  string
	ClientID        string
	Task            map[string]any
	Constraints     map[string]any
}

// RequestHash is the canonical, sha256-backed fingerprint of a skill
// execution request used for idempotent-replay detection.
func RequestHash(p SkillExecuteParams) string {
	payload := map[string]any{
		"skill_id":         p.SkillID,
		"profile":          p.Profile,
		"task_json":        p.Task,
		"constraints_json": p.Constraints,
	}
	raw, _ := json.Marshal(canonical(payload))
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// canonical exists as a marker that the value is already in a form
// encoding/json serializes with sorted keys (map[string]any).
func canonical(v any) any { return v }

// SkillExecute validates and submits a job, synthesizing run_id/job_id,
// honoring idempotent replay, and executing the daemon's built-in
// sentinels inline (job.noop, job.log, job.fail); everything else routes
// through s.Exec.
func (s *Service) SkillExecute(ctx context.Context, p SkillExecuteParams) (SkillExecuteResult, error) {
	if p.SkillID == "" || p.Profile == "" || p.IdempotencyKey == "" {
		return SkillExecuteResult{Status: ErrStatus(ErrInvalidRequest, "missing required request fields", false)}, nil
	}
	if s.Registry != nil {
		if _, err := s.Registry.Get(p.SkillID); err != nil && !isBuiltin(p.SkillID) {
			return SkillExecuteResult{Status: ErrStatus(ErrNotFound, fmt.Sprintf("unknown tool: %s", p.SkillID), false)}, nil
		}
	} else if !isBuiltin(p.SkillID) {
		return SkillExecuteResult{Status: ErrStatus(ErrNotFound, fmt.Sprintf("unknown tool: %s", p.SkillID), false)}, nil
	}

	runID := "run-" + randHex12()
	jobID := "job-" + randHex12()
	job := JobRecord{
		JobID: jobID, RunID: runID, State: JobQueued,
		SkillID: p.SkillID, Profile: p.Profile, IdempotencyKey: p.IdempotencyKey,
		RequestHash: RequestHash(p), CreatedAtEpoch: s.now().Unix(), UpdatedAtEpoch: s.now().Unix(),
	}
	stored, replay, err := s.Store.Submit(job, p.ClientID)
	if err != nil {
		return SkillExecuteResult{Status: ErrStatus(ErrIdempotencyKeyReused, err.Error(), false)}, nil
	}
	if replay {
		return SkillExecuteResult{Status: OKStatus("replayed"), RunID: stored.RunID, JobID: stored.JobID, State: string(stored.State)}, nil
	}

	if _, err := s.Store.AppendEvent(stored.JobID, EventStateChange, map[string]any{"from": "unspecified", "to": string(JobQueued)}); err != nil {
		return SkillExecuteResult{}, err
	}

	s.runJob(ctx, stored, p)

	final, err := s.Store.Get(stored.JobID)
	if err != nil {
		return SkillExecuteResult{}, err
	}
	return SkillExecuteResult{Status: OKStatus("submitted"), RunID: final.RunID, JobID: final.JobID, State: string(final.State)}, nil
}

// SkillExecuteResult is SkillExecute's return value.
type SkillExecuteResult struct {
	Status Status
	RunID  string
	JobID  string
	State  string
}

func isBuiltin(skillID string) bool {
	switch skillID {
	case ToolNoop, ToolSkillExecute, ToolLog, ToolFail:
		return true
	default:
		return false
	}
}

// runJob drives one job's execution synchronously: built-in sentinels are
// interpreted directly; everything else is handed to s.Exec.
func (s *Service) runJob(ctx context.Context, job JobRecord, p SkillExecuteParams) {
	transition := func(to JobState) {
		_ = s.Store.Transition(job.JobID, to)
		_, _ = s.Store.AppendEvent(job.JobID, EventStateChange, map[string]any{"to": string(to)})
	}
	transition(JobRunning)

	switch job.SkillID {
	case ToolNoop, ToolSkillExecute:
		transition(JobSucceeded)
	case ToolLog:
		lines, _ := p.Task["lines"].([]any)
		for _, line := range lines {
			_, _ = s.Store.AppendEvent(job.JobID, EventLog, map[string]any{"line": line})
		}
		transition(JobSucceeded)
	case ToolFail:
		_, _ = s.Store.AppendEvent(job.JobID, EventError, map[string]any{"reason": "job.fail sentinel"})
		transition(JobFailed)
	default:
		s.runExecutor(ctx, job, p)
	}
}

func (s *Service) runExecutor(ctx context.Context, job JobRecord, p SkillExecuteParams) {
	if s.Exec == nil {
		_, _ = s.Store.AppendEvent(job.JobID, EventError, map[string]any{"reason": "no executor configured"})
		_ = s.Store.Transition(job.JobID, JobFailed)
		return
	}
	var entrypoint []string
	if raw, ok := p.Task["entrypoint"].([]any); ok {
		for _, v := range raw {
			if str, ok := v.(string); ok {
				entrypoint = append(entrypoint, str)
			}
		}
	}
	req := executor.ExecutionRequest{
		RunID: job.RunID, JobID: job.JobID, ToolID: job.SkillID, Profile: job.Profile,
		Task: p.Task, Constraints: p.Constraints, Entrypoint: entrypoint, TimeoutSeconds: 300,
	}
	sink := func(e executor.ExecutionEvent) {
		var evtType EventType
		switch e.Kind {
		case executor.EventError:
			evtType = EventError
		default:
			evtType = EventLog
		}
		_, _ = s.Store.AppendEvent(job.JobID, evtType, e.Payload)
	}
	result, err := s.Exec.Execute(ctx, req, sink)
	if err != nil {
		_, _ = s.Store.AppendEvent(job.JobID, EventError, map[string]any{"reason": err.Error()})
		_ = s.Store.Transition(job.JobID, JobFailed)
		return
	}
	if result.TerminalState == executor.StateSucceeded {
		_ = s.Store.Transition(job.JobID, JobSucceeded)
	} else {
		_ = s.Store.Transition(job.JobID, JobFailed)
	}
}

// GetJobStatus returns the job's current state plus provenance.
func (s *Service) GetJobStatus(_ context.Context, jobID string) (JobStatusResult, error) {
	job, err := s.Store.Get(jobID)
	if err != nil {
		return JobStatusResult{Status: ErrStatus(ErrNotFound, fmt.Sprintf("job not found: %s", jobID), false)}, nil
	}
	return JobStatusResult{
		Status: OKStatus(""),
		RunID:  job.RunID, JobID: job.JobID, State: string(job.State), Artifacts: job.Artifacts,
		Provenance: RunProvenance{
			Repo: job.Repo, CommitSHA: job.CommitSHA, DirtyFlag: job.Dirty,
			InputHash: job.InputHash, EnvFingerprint: job.EnvFingerprint,
		},
	}, nil
}

// JobStatusResult is GetJobStatus's return value.
type JobStatusResult struct {
	Status     Status
	RunID      string
	JobID      string
	State      string
	Artifacts  []string
	Provenance RunProvenance
}

// RunProvenance mirrors the provenance fields on a JobRecord.
type RunProvenance struct {
	Repo           string
	CommitSHA      string
	DirtyFlag      bool
	InputHash      string
	EnvFingerprint string
}

// CancelJob moves a non-terminal job to canceled.
func (s *Service) CancelJob(_ context.Context, jobID string) (CancelJobResult, error) {
	job, err := s.Store.Get(jobID)
	if err != nil {
		return CancelJobResult{Status: ErrStatus(ErrNotFound, fmt.Sprintf("job not found: %s", jobID), false)}, nil
	}
	from := job.State
	if err := s.Store.Cancel(jobID); err != nil {
		return CancelJobResult{}, err
	}
	after, err := s.Store.Get(jobID)
	if err != nil {
		return CancelJobResult{}, err
	}
	if after.State != from {
		_, _ = s.Store.AppendEvent(jobID, EventStateChange, map[string]any{"from": string(from), "to": string(after.State)})
	}
	return CancelJobResult{Status: OKStatus(""), JobID: after.JobID, State: string(after.State)}, nil
}

// CancelJobResult is CancelJob's return value.
type CancelJobResult struct {
	Status Status
	JobID  string
	State  string
}

// StreamJobEvents invokes sink for each event with seq > sinceSeq. When
// follow is true it polls every pollInterval until the job reaches a
// terminal state with no further events, or ctx is canceled.
func (s *Service) StreamJobEvents(ctx context.Context, jobID string, sinceSeq int64, follow bool, pollInterval time.Duration, sink func(EventRecord)) error {
	if _, err := s.Store.Get(jobID); err != nil {
		return nil
	}
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	for {
		events, err := s.Store.EventsSince(jobID, sinceSeq)
		if err != nil {
			return err
		}
		for _, evt := range events {
			sink(evt)
			sinceSeq = evt.Seq
		}
		if !follow {
			return nil
		}
		job, err := s.Store.Get(jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() && len(events) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func randHex12() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])[:12]
}
