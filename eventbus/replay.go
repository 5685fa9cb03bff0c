package eventbus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/domeai/dome/model"
)

// LoadEnvelopes reads every event line from the durable log at path,
// optionally filtered to runID (ignored when empty), and returns them
// sorted by (sequence, ts, event_id) — the ordering replay depends on being
// stable across processes.
func LoadEnvelopes(path string, runID string) ([]model.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	var events []model.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt model.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("decode event line: %w", err)
		}
		if runID != "" && evt.RunID != runID {
			continue
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log %s: %w", path, err)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Sequence != events[j].Sequence {
			return events[i].Sequence < events[j].Sequence
		}
		if events[i].TS != events[j].TS {
			return events[i].TS < events[j].TS
		}
		return events[i].EventID < events[j].EventID
	})
	return events, nil
}

// ReplayTaskResults filters a loaded event slice down to the task.result.raw
// and task.result topics for the given run.
func ReplayTaskResults(events []model.Event, runID string) []model.Event {
	out := make([]model.Event, 0, len(events))
	for _, evt := range events {
		if evt.RunID != runID {
			continue
		}
		if evt.Topic == model.TopicTaskResultRaw || evt.Topic == model.TopicTaskResult {
			out = append(out, evt)
		}
	}
	return out
}

// ControlLedger is the deterministic summary document derived from a run's
// events: how many tasks were assigned, and the last gate/promotion
// decisions observed.
type ControlLedger struct {
	RunID             string         `json:"run_id"`
	TasksAssigned     int            `json:"tasks_assigned"`
	LastGateVerdict   map[string]any `json:"last_gate_verdict,omitempty"`
	LastPromotion     map[string]any `json:"last_promotion_decision,omitempty"`
	TaskResultsSeen   int            `json:"task_results_seen"`
}

// MaterializeControlLedger folds a run's events into a ControlLedger. It is
// a pure function of its input: the same event slice always yields the same
// ledger, independent of any on-disk state.
func MaterializeControlLedger(events []model.Event, runID string) ControlLedger {
	ledger := ControlLedger{RunID: runID}
	for _, evt := range events {
		if evt.RunID != runID {
			continue
		}
		switch evt.Topic {
		case model.TopicTaskAssigned:
			ledger.TasksAssigned++
		case model.TopicTaskResult:
			ledger.TaskResultsSeen++
		case model.TopicGateVerdict:
			ledger.LastGateVerdict = evt.Payload
		case model.TopicPromotionDecision:
			ledger.LastPromotion = evt.Payload
		}
	}
	return ledger
}
