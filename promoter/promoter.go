// Package promoter applies the promotion policy to a gate decision and
// appends an audit line to the run's promotion ledger.
package promoter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/domeai/dome/model"
)

// Policy configures the promotion thresholds.
type Policy struct {
	MinConfidence float64
	MaxRisk       int
}

// Decide applies the promotion policy to a gate decision:
//   - REJECT passes through unchanged.
//   - NEEDS_HUMAN passes through, ensuring POLICY.NEEDS_HUMAN is present.
//   - APPROVE below MinConfidence or above MaxRisk downgrades to
//     NEEDS_HUMAN with the policy code appended.
//   - Otherwise APPROVE stands.
func Decide(gate model.GateDecision, policy Policy) model.PromotionDecision {
	decision := model.PromotionDecision{
		Version:         "1",
		RunID:           gate.RunID,
		ReasonCodes:     append([]string(nil), gate.ReasonCodes...),
		Confidence:      gate.Confidence,
		RiskScore:       gate.RiskScore,
		Notes:           append([]string(nil), gate.Notes...),
		GateDecisionRef: gate.TaskID,
	}

	switch gate.Status {
	case model.GateReject:
		decision.Decision = model.GateReject
	case model.GateNeedsHuman:
		decision.Decision = model.GateNeedsHuman
		decision.ReasonCodes = ensureCode(decision.ReasonCodes, "POLICY.NEEDS_HUMAN")
	case model.GateApprove:
		if gate.Confidence < policy.MinConfidence || gate.RiskScore > policy.MaxRisk {
			decision.Decision = model.GateNeedsHuman
			decision.ReasonCodes = ensureCode(decision.ReasonCodes, "POLICY.NEEDS_HUMAN")
		} else {
			decision.Decision = model.GateApprove
		}
	default:
		decision.Decision = model.GateNeedsHuman
		decision.ReasonCodes = ensureCode(decision.ReasonCodes, "POLICY.NEEDS_HUMAN")
	}
	return decision
}

func ensureCode(codes []string, code string) []string {
	for _, c := range codes {
		if c == code {
			return codes
		}
	}
	return append(codes, code)
}

// AuditEntry is one line appended to the run-root-level promotion ledger.
type AuditEntry struct {
	TS           string             `json:"ts"`
	RunID        string             `json:"run_id"`
	Decision     model.GateStatus   `json:"decision"`
	ReasonCodes  []string           `json:"reason_codes"`
	Confidence   float64            `json:"confidence"`
	RiskScore    int                `json:"risk_score"`
	TelemetryRef model.TelemetryRef `json:"telemetry_ref"`
}

// AppendAudit appends one JSON line describing decision to the ledger file
// at ledgerPath, creating it if necessary. The ledger is append-only: lines
// are never rewritten or removed.
func AppendAudit(ledgerPath string, decision model.PromotionDecision, ref model.TelemetryRef) error {
	if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o755); err != nil {
		return fmt.Errorf("create promotion ledger directory: %w", err)
	}
	f, err := os.OpenFile(ledgerPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open promotion ledger %s: %w", ledgerPath, err)
	}
	defer f.Close()

	entry := AuditEntry{
		TS:           time.Now().UTC().Format(time.RFC3339Nano),
		RunID:        decision.RunID,
		Decision:     decision.Decision,
		ReasonCodes:  decision.ReasonCodes,
		Confidence:   decision.Confidence,
		RiskScore:    decision.RiskScore,
		TelemetryRef: ref,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal promotion audit entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append promotion audit entry: %w", err)
	}
	return f.Sync()
}
