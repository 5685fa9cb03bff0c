package memoryd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/domeai/dome/security"
)

// Checkpoint is the materializer's "what have I already seen" marker,
// persisted as a small JSON document between passes.
type Checkpoint struct {
	ProcessedRuns []string `json:"processed_runs"`

	seen map[string]struct{}
}

// LoadCheckpoint reads path, returning an empty Checkpoint if it does not
// yet exist.
func LoadCheckpoint(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newCheckpoint(nil), nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("memoryd: read checkpoint %s: %w", path, err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("memoryd: decode checkpoint %s: %w", path, err)
	}
	return newCheckpoint(c.ProcessedRuns), nil
}

func newCheckpoint(runs []string) Checkpoint {
	c := Checkpoint{ProcessedRuns: append([]string(nil), runs...), seen: make(map[string]struct{}, len(runs))}
	for _, r := range runs {
		c.seen[r] = struct{}{}
	}
	return c
}

// Has reports whether runID was already processed.
func (c Checkpoint) Has(runID string) bool {
	_, ok := c.seen[runID]
	return ok
}

// Add records runID as processed. A no-op if already recorded.
func (c *Checkpoint) Add(runID string) {
	if c.seen == nil {
		c.seen = make(map[string]struct{})
	}
	if _, ok := c.seen[runID]; ok {
		return
	}
	c.seen[runID] = struct{}{}
	c.ProcessedRuns = append(c.ProcessedRuns, runID)
}

// Save atomically writes c to path.
func (c Checkpoint) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("memoryd: marshal checkpoint: %w", err)
	}
	if err := security.AtomicWriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("memoryd: write checkpoint %s: %w", path, err)
	}
	return nil
}
