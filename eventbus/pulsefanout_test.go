package eventbus_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/domeai/dome/eventbus"
	"github.com/domeai/dome/eventbus/pulseclient"
	"github.com/domeai/dome/model"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipFanoutTests    bool
)

// TestMain spins up a real redis:7-alpine container once for the package,
// the same way the registry's own Pulse-backed tests bootstrap theirs:
// skip (not fail) the whole suite if Docker isn't available locally.
func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("docker not available, pulse fanout tests will be skipped: %v\n", containerErr)
		skipFanoutTests = true
	} else {
		host, err := testRedisContainer.Host(ctx)
		if err != nil {
			fmt.Printf("failed to get container host: %v\n", err)
			skipFanoutTests = true
		} else if port, err := testRedisContainer.MappedPort(ctx, "6379"); err != nil {
			fmt.Printf("failed to get container port: %v\n", err)
			skipFanoutTests = true
		} else {
			testRedisClient = redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
			if err := testRedisClient.Ping(ctx).Err(); err != nil {
				fmt.Printf("failed to ping redis: %v\n", err)
				skipFanoutTests = true
			}
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

// TestBusWithFanoutPublishesToPulseStream proves the publish side of the
// fanout island end to end: Bus.Publish, configured WithFanout, reaches a
// real Pulse client backed by a real Redis stream — not just the in-process
// subscriber queues. Tailing is done at the Redis level (XRange on the
// stream PulseFanout names), the same primitive Pulse streams themselves
// are built on.
func TestBusWithFanoutPublishesToPulseStream(t *testing.T) {
	if skipFanoutTests {
		t.Skip("docker not available, skipping pulse fanout test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())

	pulseCl, err := pulseclient.New(pulseclient.Options{Redis: testRedisClient})
	require.NoError(t, err)
	fanout := eventbus.NewPulseFanout(pulseCl)
	bus := eventbus.New(eventbus.WithFanout(fanout))

	ctx := context.Background()
	err = bus.Publish(ctx, model.Event{
		Topic: model.TopicTaskAssigned,
		RunID: "run-fanout-1",
		Payload: map[string]any{
			"task_id": "t-1",
		},
	})
	require.NoError(t, err)

	streamKey := fmt.Sprintf("dome:events:%s", model.TopicTaskAssigned)
	entries, err := testRedisClient.XRange(ctx, streamKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	found := false
	for _, v := range entries[0].Values {
		if s, ok := v.(string); ok && strings.Contains(s, "run-fanout-1") {
			found = true
		}
	}
	require.True(t, found, "mirrored event payload must carry the run id that was published")
}

// TestBusWithFanoutMirrorsMultipleTopicsToSeparateStreams confirms each
// topic gets its own Pulse stream rather than all events landing on one.
func TestBusWithFanoutMirrorsMultipleTopicsToSeparateStreams(t *testing.T) {
	if skipFanoutTests {
		t.Skip("docker not available, skipping pulse fanout test")
	}
	require.NoError(t, testRedisClient.FlushDB(context.Background()).Err())

	pulseCl, err := pulseclient.New(pulseclient.Options{Redis: testRedisClient})
	require.NoError(t, err)
	fanout := eventbus.NewPulseFanout(pulseCl)
	bus := eventbus.New(eventbus.WithFanout(fanout))

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, model.Event{Topic: model.TopicTaskAssigned, RunID: "run-a"}))
	require.NoError(t, bus.Publish(ctx, model.Event{Topic: model.TopicGateVerdict, RunID: "run-a"}))

	for _, topic := range []string{model.TopicTaskAssigned, model.TopicGateVerdict} {
		entries, err := testRedisClient.XRange(ctx, fmt.Sprintf("dome:events:%s", topic), "-", "+").Result()
		require.NoError(t, err)
		require.Len(t, entries, 1, "topic %s should have exactly one mirrored entry on its own stream", topic)
	}
}
