package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/domeai/dome/eventbus/pulseclient"
)

// PulseFanout mirrors accepted publishes to a deterministic Pulse stream per
// topic ("dome:events:<topic>"), so a second process (memoryd, a live
// dashboard) can tail events without reading the JSONL log. It lazily
// creates one stream handle per topic, using the same fast-read /
// slow-create-under-lock shape as the tool registry's stream manager.
type PulseFanout struct {
	client  pulseclient.Client
	mu      sync.RWMutex
	streams map[string]pulseclient.Stream
}

// NewPulseFanout builds a PulseFanout backed by the given Pulse client.
func NewPulseFanout(client pulseclient.Client) *PulseFanout {
	return &PulseFanout{client: client, streams: make(map[string]pulseclient.Stream)}
}

func streamNameForTopic(topic string) string {
	return fmt.Sprintf("dome:events:%s", topic)
}

// Publish implements Fanout.
func (f *PulseFanout) Publish(ctx context.Context, topic string, payload []byte) error {
	stream, err := f.getOrCreateStream(topic)
	if err != nil {
		return err
	}
	_, err = stream.Add(ctx, topic, payload)
	return err
}

func (f *PulseFanout) getOrCreateStream(topic string) (pulseclient.Stream, error) {
	f.mu.RLock()
	if s, ok := f.streams[topic]; ok {
		f.mu.RUnlock()
		return s, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.streams[topic]; ok {
		return s, nil
	}
	stream, err := f.client.Stream(streamNameForTopic(topic))
	if err != nil {
		return nil, fmt.Errorf("open fanout stream for topic %q: %w", topic, err)
	}
	f.streams[topic] = stream
	return stream, nil
}
