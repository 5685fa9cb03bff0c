// Package wire defines the tool daemon's request/response record types.
// The contract is enumerated and versioned by convention rather than by
// protobuf codegen: removing a method, message, field, or enum value is a
// compatibility break; renumbering an enum value is a break.
package wire

// Status is attached to every response.
type Status struct {
	OK        bool      `json:"ok"`
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// OKStatus builds a successful Status with the given message.
func OKStatus(message string) Status {
	if message == "" {
		message = "ok"
	}
	return Status{OK: true, Code: ErrorUnspecified, Message: message}
}

// ErrStatus builds a failed Status.
func ErrStatus(code ErrorCode, message string, retryable bool) Status {
	return Status{OK: false, Code: code, Message: message, Retryable: retryable}
}

// ErrorCode is the tool daemon's error taxonomy.
type ErrorCode int

const (
	ErrorUnspecified ErrorCode = iota
	ErrorInvalidRequest
	ErrorNotFound
	ErrorIdempotencyKeyReused
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorInvalidRequest:
		return "INVALID_REQUEST"
	case ErrorNotFound:
		return "NOT_FOUND"
	case ErrorIdempotencyKeyReused:
		return "IDEMPOTENCY_KEY_REUSED"
	default:
		return "UNSPECIFIED"
	}
}

// MarshalJSON renders the code as its string name, matching the enum
// naming used on the wire.
func (c ErrorCode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// HealthRequest takes no fields.
type HealthRequest struct{}

// HealthResponse reports daemon liveness.
type HealthResponse struct {
	Status        Status `json:"status"`
	TS            string `json:"ts"`
	DaemonVersion string `json:"daemon_version"`
}

// ListCapabilitiesRequest requests the daemon's capability set for a given
// client profile.
type ListCapabilitiesRequest struct {
	Profile string `json:"profile"`
}

// Capability describes one daemon capability.
type Capability struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	SchemaVersion string   `json:"schema_version"`
	FeatureFlags  []string `json:"feature_flags"`
	ToolCount     int      `json:"tool_count"`
}

// ListCapabilitiesResponse is the daemon's capability descriptor set.
type ListCapabilitiesResponse struct {
	Status       Status       `json:"status"`
	ServerVersion string      `json:"server_version"`
	APIVersions  []string     `json:"api_versions"`
	Capabilities []Capability `json:"capabilities"`
}

// ListToolsRequest takes no fields.
type ListToolsRequest struct{}

// ToolDescriptor is the wire shape of one registry entry.
type ToolDescriptor struct {
	ToolID           string   `json:"tool_id"`
	Version          string   `json:"version"`
	Title            string   `json:"title"`
	ShortDescription string   `json:"short_description"`
	Kind             string   `json:"kind"`
	Description      string   `json:"description"`
	InputSchemaRef   string   `json:"input_schema_ref"`
	OutputSchemaRef  string   `json:"output_schema_ref"`
	ExecutorBackend  string   `json:"executor_backend"`
	Permissions      []string `json:"permissions"`
	SideEffects      []string `json:"side_effects"`
}

// ListToolsResponse lists every registered tool.
type ListToolsResponse struct {
	Status Status           `json:"status"`
	Tools  []ToolDescriptor `json:"tools"`
}

// GetToolRequest looks up one tool by ID.
type GetToolRequest struct {
	ToolID string `json:"tool_id"`
}

// GetToolResponse is the single-tool counterpart of ListToolsResponse.
type GetToolResponse struct {
	Status Status          `json:"status"`
	Tool   *ToolDescriptor `json:"tool,omitempty"`
}

// SkillExecuteRequest submits one skill execution.
type SkillExecuteRequest struct {
	SkillID         string          `json:"skill_id"`
	Profile         string          `json:"profile"`
	IdempotencyKey  string          `json:"idempotency_key"`
	TaskJSON        map[string]any  `json:"task_json"`
	ConstraintsJSON map[string]any  `json:"constraints_json"`
}

// SkillExecuteResponse is returned immediately on submission (or replay).
type SkillExecuteResponse struct {
	Status    Status   `json:"status"`
	RunID     string   `json:"run_id,omitempty"`
	JobID     string   `json:"job_id,omitempty"`
	State     string   `json:"state"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// GetJobStatusRequest queries one job's current state.
type GetJobStatusRequest struct {
	JobID string `json:"job_id"`
}

// RunProvenance carries the provenance fields attached to a job status.
type RunProvenance struct {
	Repo               string `json:"repo"`
	CommitSHA          string `json:"commit_sha"`
	DirtyFlag          bool   `json:"dirty_flag"`
	ContractHashesJSON string `json:"contract_hashes_json"`
	ToolVersionsJSON   string `json:"tool_versions_json"`
	InputHash          string `json:"input_hash"`
	EnvFingerprint     string `json:"env_fingerprint"`
}

// GetJobStatusResponse is the current job state plus provenance.
type GetJobStatusResponse struct {
	Status     Status        `json:"status"`
	RunID      string        `json:"run_id,omitempty"`
	JobID      string        `json:"job_id,omitempty"`
	State      string        `json:"state"`
	Artifacts  []string      `json:"artifacts,omitempty"`
	Provenance RunProvenance `json:"provenance"`
}

// CancelJobRequest cancels a non-terminal job.
type CancelJobRequest struct {
	JobID          string `json:"job_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// CancelJobResponse is the post-cancel job state.
type CancelJobResponse struct {
	Status Status `json:"status"`
	JobID  string `json:"job_id"`
	State  string `json:"state"`
}

// StreamJobEventsRequest starts (or resumes) an event stream for a job.
type StreamJobEventsRequest struct {
	JobID    string `json:"job_id"`
	SinceSeq int64  `json:"since_seq"`
	Follow   bool   `json:"follow"`
}

// StreamJobEventsResponse is one event frame on the stream.
type StreamJobEventsResponse struct {
	Seq         int64          `json:"seq"`
	EventID     string         `json:"event_id"`
	TS          string         `json:"ts"`
	RunID       string         `json:"run_id"`
	JobID       string         `json:"job_id"`
	EventType   string         `json:"event_type"`
	PayloadJSON map[string]any `json:"payload_json"`
}
