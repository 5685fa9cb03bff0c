package memoryd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/domeai/dome/binder"
	"github.com/domeai/dome/eventbus"
	"github.com/domeai/dome/model"
)

// Materializer discovers new run directories under RunRoot, normalizes each
// one's artifacts into the fact store, derives binder_fact rows from the
// task facts it just wrote, and advances the checkpoint — once new run is
// never re-materialized twice, and a partially written run (no
// summary.json yet) is simply skipped until the next pass.
type Materializer struct {
	RunRoot        string
	CheckpointPath string
	Store          *Store
	BinderMode     binder.EligibilityMode
	// PollInterval, when positive, makes Run loop until ctx is canceled;
	// zero or negative runs exactly one pass.
	PollInterval time.Duration
}

// Run executes RunOnce repeatedly at PollInterval until ctx is canceled, or
// exactly once if PollInterval is not positive.
func (m *Materializer) Run(ctx context.Context) error {
	if m.PollInterval <= 0 {
		_, err := m.RunOnce(ctx)
		return err
	}
	ticker := time.NewTicker(m.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := m.RunOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce materializes every not-yet-processed, complete run directory
// under RunRoot, returning the number of runs processed.
func (m *Materializer) RunOnce(ctx context.Context) (int, error) {
	checkpoint, err := LoadCheckpoint(m.CheckpointPath)
	if err != nil {
		return 0, err
	}

	runIDs, err := discoverRunDirs(m.RunRoot)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, runID := range runIDs {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if checkpoint.Has(runID) {
			continue
		}
		runDir := filepath.Join(m.RunRoot, runID)
		if !runIsComplete(runDir) {
			continue
		}
		if err := m.materializeRun(runDir, runID); err != nil {
			return processed, fmt.Errorf("memoryd: materialize run %s: %w", runID, err)
		}
		checkpoint.Add(runID)
		processed++
	}

	if processed > 0 {
		if err := checkpoint.Save(m.CheckpointPath); err != nil {
			return processed, err
		}
	}
	return processed, nil
}

func discoverRunDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memoryd: list run root %s: %w", root, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// runIsComplete reports whether a run directory has finished producing the
// artifacts a materialization pass needs: a run still being dispatched
// will have a work.queue.json but no summary.json yet.
func runIsComplete(runDir string) bool {
	_, err := os.Stat(filepath.Join(runDir, "summary.json"))
	return err == nil
}

func (m *Materializer) materializeRun(runDir, runID string) error {
	wq, err := loadWorkQueue(runDir)
	if err != nil {
		return err
	}
	summary, err := loadSummary(runDir)
	if err != nil {
		return err
	}
	gate, err := loadGateDecision(runDir)
	if err != nil {
		return err
	}
	promotionState := promotionStateFromLedger(filepath.Join(filepath.Dir(runDir), "promotion.ledger.jsonl"), runID)
	manifestPath := filepath.Join(runDir, "run.manifest.json")
	if _, err := os.Stat(manifestPath); err != nil {
		manifestPath = ""
	}

	if err := m.Store.UpsertRunFact(RunFact{
		RunID:          runID,
		BaseRef:        wq.BaseRef,
		TaskCount:      len(wq.Tasks),
		GateStatus:     string(gate.Status),
		PromotionState: promotionState,
		Confidence:     gate.Confidence,
		RiskScore:      gate.RiskScore,
		ManifestPath:   manifestPath,
	}); err != nil {
		return err
	}

	var taskFacts []TaskFact
	for _, result := range summary.Results {
		fact := taskFactFromResult(runID, result)
		if err := m.Store.UpsertTaskFact(fact); err != nil {
			return err
		}
		taskFacts = append(taskFacts, fact)
	}

	events, err := loadEvents(runDir, runID)
	if err != nil {
		return err
	}
	for _, evt := range events {
		if err := m.Store.UpsertEventFact(EventFact{
			RunID:    evt.RunID,
			Sequence: evt.Sequence,
			EventID:  evt.EventID,
			Topic:    evt.Topic,
			TS:       evt.TS,
			Payload:  marshalPayload(evt.Payload),
		}); err != nil {
			return err
		}
	}

	mode := m.BinderMode
	if mode == "" {
		mode = binder.Strict
	}
	rows := make([]binder.TaskRow, 0, len(taskFacts))
	for _, f := range taskFacts {
		rows = append(rows, binder.TaskRow{
			RunID: f.RunID, TaskID: f.TaskID, GroupID: f.GroupID, Status: f.Status,
			FailureReasonCode: f.FailureReasonCode, PolicyReasonCode: f.PolicyReasonCode,
			Attempts: f.Attempts, DurationMS: f.DurationMS, WorkerModel: f.WorkerModel,
		})
	}
	for _, derived := range binder.DeriveRowsFromTaskRows(rows, mode) {
		if err := m.Store.UpsertBinderFact(derived); err != nil {
			return err
		}
	}
	return nil
}

// taskFactFromResult splits TaskResult.ReasonCode into failure vs. policy
// buckets by its catalog prefix (POLICY.* is a policy reason code,
// everything else is a failure reason code), since the evidence model
// carries only one reason_code field per task.
func taskFactFromResult(runID string, result model.TaskResult) TaskFact {
	fact := TaskFact{
		RunID:       runID,
		TaskID:      result.TaskID,
		Status:      string(result.Status),
		Attempts:    result.Attempts,
		WorkerModel: result.WorkerModel,
	}
	for _, attempt := range result.AttemptHistory {
		fact.DurationMS += attempt.DurationMS
	}
	if strings.HasPrefix(result.ReasonCode, "POLICY.") {
		fact.PolicyReasonCode = result.ReasonCode
	} else {
		fact.FailureReasonCode = result.ReasonCode
	}
	return fact
}

func loadWorkQueue(runDir string) (model.WorkQueue, error) {
	var wq model.WorkQueue
	if err := loadJSONFile(filepath.Join(runDir, "work.queue.json"), &wq); err != nil {
		return model.WorkQueue{}, err
	}
	return wq, nil
}

func loadSummary(runDir string) (model.RunSummary, error) {
	var summary model.RunSummary
	if err := loadJSONFile(filepath.Join(runDir, "summary.json"), &summary); err != nil {
		return model.RunSummary{}, err
	}
	return summary, nil
}

func loadGateDecision(runDir string) (model.GateDecision, error) {
	path := filepath.Join(runDir, "gate.decision.json")
	if _, err := os.Stat(path); err != nil {
		return model.GateDecision{}, nil
	}
	var gate model.GateDecision
	if err := loadJSONFile(path, &gate); err != nil {
		return model.GateDecision{}, err
	}
	return gate, nil
}

func loadEvents(runDir, runID string) ([]model.Event, error) {
	path := filepath.Join(runDir, "events.jsonl")
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	return eventbus.LoadEnvelopes(path, runID)
}

// promotionStateFromLedger scans the run-root-wide promotion ledger for the
// most recent entry matching runID. A run materialized before its audit
// line was appended (or with no ledger at all) yields "" rather than an
// error — the run_fact row is still useful without it.
func promotionStateFromLedger(ledgerPath, runID string) string {
	data, err := os.ReadFile(ledgerPath)
	if err != nil {
		return ""
	}
	state := ""
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry struct {
			RunID    string `json:"run_id"`
			Decision string `json:"decision"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.RunID == runID {
			state = entry.Decision
		}
	}
	return state
}

func loadJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("memoryd: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("memoryd: decode %s: %w", path, err)
	}
	return nil
}
