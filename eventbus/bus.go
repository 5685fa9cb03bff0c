// Package eventbus implements an append-only, deduplicated, sequenced
// pub/sub log used both for live coordination between pipeline stages and
// for post-hoc replay of authoritative run state.
//
// One mutex guards the subscriber lists, the sequence counter and the
// dedup set; the durable-log append and the fanout to subscribers run
// after it is released.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/domeai/dome/model"
)

var tracer = otel.Tracer("github.com/domeai/dome/eventbus")

// Queue is a process-local FIFO delivery queue returned by Subscribe.
type Queue struct {
	ch chan model.Event
}

// C exposes the underlying channel for range/select use by subscribers.
func (q *Queue) C() <-chan model.Event { return q.ch }

// DurableLog appends event envelopes to a JSON-lines file. Implementations
// must be safe for concurrent Append calls; I/O failure is fatal to the
// publishing Publish call, since the caller must not believe the event was
// durably published when it wasn't.
type DurableLog interface {
	Append(line []byte) error
}

// Bus is an append-only, sequenced, deduplicated event bus.
type Bus struct {
	mu       sync.Mutex
	seq      uint64
	seen     map[string]struct{}
	topics   map[string][]*Queue
	log      DurableLog
	fanout   Fanout
	queueCap int
}

// Fanout optionally mirrors published events to a cross-process stream
// (e.g. a Pulse-backed topic) so a second process can tail live events
// without reading the durable log. Off by default.
type Fanout interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Option configures a Bus.
type Option func(*Bus)

// WithDurableLog configures the bus to append every accepted publish to the
// given durable log.
func WithDurableLog(log DurableLog) Option {
	return func(b *Bus) { b.log = log }
}

// WithFanout configures the bus to additionally mirror accepted publishes
// to a cross-process fanout target.
func WithFanout(f Fanout) Option {
	return func(b *Bus) { b.fanout = f }
}

// WithSubscriberQueueCapacity sets the buffered capacity of subscriber
// queues (default 256). A full queue blocks Publish; size generously for
// bursty waves.
func WithSubscriberQueueCapacity(n int) Option {
	return func(b *Bus) { b.queueCap = n }
}

// New constructs a Bus with the given options.
func New(opts ...Option) *Bus {
	b := &Bus{
		seen:     make(map[string]struct{}),
		topics:   make(map[string][]*Queue),
		queueCap: 256,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a new delivery queue for the given topic. Every
// subscriber registered before a Publish call observes that event;
// subscribers registered afterward do not see events published earlier.
func (b *Bus) Subscribe(topic string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := &Queue{ch: make(chan model.Event, b.queueCap)}
	b.topics[topic] = append(b.topics[topic], q)
	return q
}

// Publish assigns a sequence number and delivers the event to every
// subscriber of its topic, appending it to the durable log (if configured)
// and mirroring it to the fanout target (if configured). A previously
// accepted event_id makes this call a no-op (deduplication).
func (b *Bus) Publish(ctx context.Context, evt model.Event) error {
	ctx, span := tracer.Start(ctx, "eventbus.publish", trace.WithAttributes(
		attribute.String("dome.topic", evt.Topic),
		attribute.String("dome.run_id", evt.RunID),
	))
	defer span.End()

	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.SchemaVersion == "" {
		evt.SchemaVersion = model.SchemaVersion
	}
	if evt.TS == "" {
		evt.TS = time.Now().UTC().Format(time.RFC3339Nano)
	}

	b.mu.Lock()
	if _, dup := b.seen[evt.EventID]; dup {
		b.mu.Unlock()
		return nil
	}
	b.seen[evt.EventID] = struct{}{}
	b.seq++
	evt.Sequence = b.seq
	subscribers := append([]*Queue(nil), b.topics[evt.Topic]...)
	log := b.log
	fanout := b.fanout
	b.mu.Unlock()

	if log != nil {
		line, err := json.Marshal(evt)
		if err == nil {
			err = log.Append(line)
		}
		if err != nil {
			// The event was not published: forget its event_id so a retry
			// is not deduplicated away.
			b.mu.Lock()
			delete(b.seen, evt.EventID)
			b.mu.Unlock()
			return fmt.Errorf("append event %s to durable log: %w", evt.EventID, err)
		}
	}

	for _, q := range subscribers {
		q.ch <- evt
	}

	if fanout != nil {
		payload, err := json.Marshal(evt)
		if err == nil {
			_ = fanout.Publish(ctx, evt.Topic, payload)
		}
	}
	return nil
}

// FileLog is a DurableLog backed by an append-mode file opened once; each
// Append writes one line under a mutex and fsyncs the file.
type FileLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenFileLog opens (creating if necessary) the JSON-lines log at path for
// append.
func OpenFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	return &FileLog{file: f}, nil
}

// Append writes one JSON line (newline-terminated) to the log.
func (l *FileLog) Append(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return err
	}
	return l.file.Sync()
}

// Close closes the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
