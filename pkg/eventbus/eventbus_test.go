package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenhoujx/dagster/pkg/events"
	"github.com/wenhoujx/dagster/pkg/log"
	"github.com/wenhoujx/dagster/pkg/models"
)

func testBus(t *testing.T) *Bus {
	t.Helper()

	ch := CreateGoChannel(watermill.NopLogger{})
	bus := NewBus(ch, ch, log.Discard())
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestBusRoutesByKind(t *testing.T) {
	bus := testBus(t)

	succeeded := make(chan events.Event, 1)
	bus.Handle(events.StepSucceeded, func(ctx context.Context, ev events.Event) error {
		succeeded <- ev

		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	// gochannel only delivers to already-registered subscribers.
	time.Sleep(50 * time.Millisecond)

	// The skipped event has no handler and must not reach the succeeded one.
	require.NoError(t, bus.Publish(ctx, events.NewStepSkipped("run-1", "store", models.SkipReasonUpstreamFailure)))
	require.NoError(t, bus.Publish(ctx, events.NewStepSucceeded("run-1", "fetch", map[string]any{"rows": 3.0})))

	select {
	case ev := <-succeeded:
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, "fetch", ev.StepKey)
		assert.Equal(t, map[string]any{"rows": 3.0}, ev.Outputs)
	case <-time.After(5 * time.Second):
		t.Fatal("handler never received the event")
	}

	assert.Empty(t, succeeded)
}

func TestBusPublishSetsMetadata(t *testing.T) {
	bus := testBus(t)

	raw, err := bus.subscriber.Subscribe(context.Background(), RunEventsTopic)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), events.NewRunStarted("run-9")))

	select {
	case msg := <-raw:
		assert.Equal(t, "run-9", msg.Metadata.Get(RunIDMetadataKey))
		assert.Equal(t, string(events.RunStarted), msg.Metadata.Get(KindMetadataKey))
		msg.Ack()
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived")
	}
}
