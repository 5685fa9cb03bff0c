// Package transport bridges generic A2A envelopes into the event bus's
// internal topics, so an external agent speaking the A2A wire shape can
// feed the same orchestration truth the pipeline itself publishes to.
package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/domeai/dome/eventbus"
	"github.com/domeai/dome/model"
)

// Envelope is the generic A2A message shape accepted at the bridge.
type Envelope struct {
	Kind    string         `json:"kind"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload"`
	TS      string         `json:"ts"`
}

// topicByKind is the fixed A2A-kind-to-internal-topic mapping. A kind not
// present here is dropped, not guessed at — the bus is the single source
// of orchestration truth, and an unmapped kind has no agreed meaning on it.
var topicByKind = map[string]string{
	"worker.task.assigned":    model.TopicTaskAssigned,
	"worker.task.result.raw":  model.TopicTaskResultRaw,
	"worker.task.result":      model.TopicTaskResult,
	"gate.requested":          model.TopicGateRequested,
	"gate.verdict":            model.TopicGateVerdict,
	"promotion.decision":      model.TopicPromotionDecision,
	"plan.wave.created":       model.TopicPlanWaveCreated,
}

// Bridge translates Envelopes into Bus publishes, counting any envelope
// whose kind has no mapped topic as dropped rather than rejecting it.
type Bridge struct {
	bus     *eventbus.Bus
	dropped atomic.Int64
}

// New builds a Bridge that publishes translated events onto bus.
func New(bus *eventbus.Bus) *Bridge {
	return &Bridge{bus: bus}
}

// Dropped returns the running count of envelopes whose kind had no mapped
// topic.
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

// Translate maps env onto its internal model.Event, reporting ok=false
// (and incrementing Dropped) for an unmapped kind.
func (b *Bridge) Translate(env Envelope) (model.Event, bool) {
	topic, ok := topicByKind[env.Kind]
	if !ok {
		b.dropped.Add(1)
		return model.Event{}, false
	}
	return model.Event{
		Topic:   topic,
		RunID:   env.RunID,
		TS:      env.TS,
		Payload: env.Payload,
	}, true
}

// Publish translates env and, if its kind is mapped, publishes the result
// onto the bus. An unmapped kind is a no-op, not an error: the caller is
// expected to consult Dropped for observability rather than branch on this
// return value.
func (b *Bridge) Publish(ctx context.Context, env Envelope) error {
	evt, ok := b.Translate(env)
	if !ok {
		return nil
	}
	if err := b.bus.Publish(ctx, evt); err != nil {
		return fmt.Errorf("transport: publish translated envelope (kind=%s): %w", env.Kind, err)
	}
	return nil
}
