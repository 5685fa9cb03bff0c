package model

// OTelRef names the tracing coordinates an evidence bundle or decision is
// anchored to.
type OTelRef struct {
	Backend    string `json:"backend,omitempty"`
	TraceIDHex string `json:"trace_id_hex"`
	SpanIDHex  string `json:"span_id_hex"`
	Project    string `json:"project,omitempty"`
	RunID      string `json:"run_id,omitempty"`
}

// EvidenceArtifact is one hashed, sized artifact referenced by a bundle.
type EvidenceArtifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Bytes  int64  `json:"bytes"`
}

// EvidenceBundle is the only permitted provenance for a state write: it
// anchors a task result to a trace and a set of hashed sibling artifacts.
type EvidenceBundle struct {
	OTel      OTelRef           `json:"otel"`
	Signals   map[string]any    `json:"signals"`
	Artifacts []EvidenceArtifact `json:"artifacts"`
}

// TelemetryRef is the compact form of OTelRef embedded in gate/promotion
// decisions.
type TelemetryRef struct {
	TraceIDHex string `json:"trace_id_hex"`
	SpanIDHex  string `json:"span_id_hex"`
}

// GateDecision is the checker's verdict on a run's wave of results.
type GateDecision struct {
	Version         string          `json:"version"`
	RunID           string          `json:"run_id"`
	TaskID          string          `json:"task_id"`
	Status          GateStatus      `json:"status"`
	SubstrateStatus SubstrateStatus `json:"substrate_status"`
	ReasonCodes     []string        `json:"reason_codes"`
	Confidence      float64         `json:"confidence"`
	RiskScore       int             `json:"risk_score"`
	Notes           []string        `json:"notes"`
	TelemetryRef    TelemetryRef    `json:"telemetry_ref"`
}

// PromotionDecision is the promoter's verdict, derived from a GateDecision.
type PromotionDecision struct {
	Version      string       `json:"version"`
	RunID        string       `json:"run_id"`
	Decision     GateStatus   `json:"decision"`
	ReasonCodes  []string     `json:"reason_codes"`
	Confidence   float64      `json:"confidence"`
	RiskScore    int          `json:"risk_score"`
	Notes        []string     `json:"notes"`
	GateDecisionRef string    `json:"gate_decision_ref"`
}
