package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/eventbus"
	"github.com/domeai/dome/model"
	"github.com/domeai/dome/transport"
)

func TestBridgePublishTranslatesMappedKind(t *testing.T) {
	bus := eventbus.New()
	queue := bus.Subscribe(model.TopicTaskResult)
	bridge := transport.New(bus)

	err := bridge.Publish(context.Background(), transport.Envelope{
		Kind:    "worker.task.result",
		RunID:   "run-1",
		Payload: map[string]any{"task_id": "run-1-t1"},
	})
	require.NoError(t, err)

	select {
	case evt := <-queue.C():
		require.Equal(t, model.TopicTaskResult, evt.Topic)
		require.Equal(t, "run-1", evt.RunID)
	default:
		t.Fatal("expected a delivered event")
	}
	require.Equal(t, int64(0), bridge.Dropped())
}

func TestBridgePublishDropsUnmappedKind(t *testing.T) {
	bus := eventbus.New()
	bridge := transport.New(bus)

	err := bridge.Publish(context.Background(), transport.Envelope{Kind: "worker.heartbeat", RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), bridge.Dropped())
}

func TestBridgeTranslateReportsOK(t *testing.T) {
	bridge := transport.New(eventbus.New())
	_, ok := bridge.Translate(transport.Envelope{Kind: "gate.verdict"})
	require.True(t, ok)
	_, ok = bridge.Translate(transport.Envelope{Kind: "unknown.kind"})
	require.False(t, ok)
}
