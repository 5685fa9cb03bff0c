package harness

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/domeai/dome/model"
	"github.com/domeai/dome/security"
)

// Store persists the per-run artifacts a harness run produces, rooted at
// RunDir. Every write goes through security.AtomicWriteFile.
type Store struct {
	RunDir string
}

// NewStore ensures the run's standard subdirectories exist and returns a
// Store rooted at runDir.
func NewStore(runDir string) (*Store, error) {
	for _, sub := range []string{"task_results", "attempts", "evidence", "dlq"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create run subdirectory %s: %w", sub, err)
		}
	}
	return &Store{RunDir: runDir}, nil
}

// PersistWorkQueue re-persists the work queue for audit.
func (s *Store) PersistWorkQueue(wq model.WorkQueue) error {
	return s.writeJSON(filepath.Join(s.RunDir, "work.queue.json"), wq)
}

// PersistTaskResult writes the task's result, attempt history, evidence
// bundle, and (when present) its DLQ record. It returns only an error; the
// artifact paths are those already set on the result.
func (s *Store) PersistTaskResult(result model.TaskResult, runID, traceIDHex, spanIDHex string) error {
	if err := s.writeJSON(filepath.Join(s.RunDir, "task_results", result.TaskID+".result.json"), result); err != nil {
		return err
	}
	if err := s.writeJSON(filepath.Join(s.RunDir, "attempts", result.TaskID+".attempts.json"), result.AttemptHistory); err != nil {
		return err
	}
	bundle, err := s.buildEvidenceBundle(result, runID, traceIDHex, spanIDHex)
	if err != nil {
		return err
	}
	if err := s.writeJSON(filepath.Join(s.RunDir, result.EvidenceBundlePath), bundle); err != nil {
		return err
	}
	if result.DLQPath != "" {
		dlq := map[string]any{
			"task_id":    result.TaskID,
			"attempts":   result.Attempts,
			"reason_code": result.ReasonCode,
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		}
		if err := s.writeJSON(filepath.Join(s.RunDir, result.DLQPath), dlq); err != nil {
			return err
		}
	}
	return nil
}

// PersistSummary writes the canonical, task-ordered summary.json.
func (s *Store) PersistSummary(summary model.RunSummary) error {
	return s.writeJSON(filepath.Join(s.RunDir, "summary.json"), summary)
}

func (s *Store) buildEvidenceBundle(result model.TaskResult, runID, traceIDHex, spanIDHex string) (model.EvidenceBundle, error) {
	resultPath := filepath.Join(s.RunDir, "task_results", result.TaskID+".result.json")
	artifact, err := hashArtifact(resultPath, "task_results/"+result.TaskID+".result.json")
	if err != nil {
		return model.EvidenceBundle{}, err
	}
	var durationMS int64
	for _, attempt := range result.AttemptHistory {
		durationMS += attempt.DurationMS
	}
	return model.EvidenceBundle{
		OTel: model.OTelRef{
			TraceIDHex: traceIDHex,
			SpanIDHex:  spanIDHex,
		},
		Signals: security.Redact(map[string]any{
			"run.id":            runID,
			"task.id":           result.TaskID,
			"task.status":       string(result.Status),
			"task.attempts":     result.Attempts,
			"task.reason_code":  result.ReasonCode,
			"task.worker_model": result.WorkerModel,
			"task.duration_ms":  durationMS,
		}).(map[string]any),
		Artifacts: []model.EvidenceArtifact{artifact},
	}, nil
}

func hashArtifact(path, relPath string) (model.EvidenceArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.EvidenceArtifact{}, fmt.Errorf("read artifact %s for hashing: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return model.EvidenceArtifact{
		Path:   relPath,
		SHA256: hex.EncodeToString(sum[:]),
		Bytes:  int64(len(data)),
	}, nil
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return security.AtomicWriteFile(path, data, 0o644)
}
