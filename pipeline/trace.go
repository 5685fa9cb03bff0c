package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// spanRegistry records the most recent span context observed per task_id,
// so execute can attach a real trace/span id pair to each task's evidence
// bundle without threading a span through harness.Worker's signature.
type spanRegistry struct {
	mu   sync.Mutex
	byID map[string]trace.SpanContext
}

func (r *spanRegistry) store(taskID string, sc trace.SpanContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byID == nil {
		r.byID = make(map[string]trace.SpanContext)
	}
	r.byID[taskID] = sc
}

func (r *spanRegistry) load(taskID string) (trace.SpanContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.byID[taskID]
	return sc, ok
}

var taskSpans = &spanRegistry{}

// deterministicTraceRef derives a stable trace/span id pair from seed, the
// same fallback shape checker.finalize uses when no live span exists.
func deterministicTraceRef(seed string) (traceIDHex, spanIDHex string) {
	sum := sha256.Sum256([]byte(seed))
	hexSum := hex.EncodeToString(sum[:])
	return hexSum[:32], hexSum[32:48]
}
