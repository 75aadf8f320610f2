package eventlog

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenhoujx/dagster/pkg/events"
	"github.com/wenhoujx/dagster/pkg/models"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	first := events.NewRunStarted("run-1")
	second := events.NewStepStarted("run-1", "produce")
	require.NoError(t, log.Append(ctx, &first))
	require.NoError(t, log.Append(ctx, &second))

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)

	// Runs sequence independently.
	other := events.NewRunStarted("run-2")
	require.NoError(t, log.Append(ctx, &other))
	assert.Equal(t, int64(1), other.Seq)
}

func TestDuplicateStepTerminalRejected(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	ok := events.NewStepSucceeded("run-1", "produce", map[string]any{"val": 1})
	require.NoError(t, log.Append(ctx, &ok))

	dup := events.NewStepFailed("run-1", "produce", "late double report")
	err := log.Append(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsDuplicateEvent(err))

	var derr *DuplicateEventError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "produce", derr.StepKey)

	// The first-recorded outcome stands.
	evs, err := log.EventsFor(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.StepSucceeded, evs[0].Kind)
}

func TestDuplicateRunTerminalRejected(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	done := events.NewRunSucceeded("run-1")
	require.NoError(t, log.Append(ctx, &done))

	late := events.NewRunFailed("run-1", "already settled")
	assert.True(t, IsDuplicateEvent(log.Append(ctx, &late)))
}

func TestStepTerminalsAreIndependentAcrossSteps(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	a := events.NewStepSucceeded("run-1", "a", nil)
	b := events.NewStepSkipped("run-1", "b", models.SkipReasonUpstreamFailure)
	require.NoError(t, log.Append(ctx, &a))
	require.NoError(t, log.Append(ctx, &b))
}

func TestEventsAfterCursor(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	for _, ev := range []events.Event{
		events.NewRunStarted("run-1"),
		events.NewStepStarted("run-1", "produce"),
		events.NewStepSucceeded("run-1", "produce", nil),
	} {
		ev := ev
		require.NoError(t, log.Append(ctx, &ev))
	}

	tail, err := log.EventsAfter(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(2), tail[0].Seq)
	assert.Equal(t, int64(3), tail[1].Seq)
}

func TestEventsForUnknownRun(t *testing.T) {
	log := NewMemoryLog()

	_, err := log.EventsFor(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

// Concurrent completions serialize into one total per-run order.
func TestConcurrentAppendsSerialize(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			ev := events.NewStepStarted("run-1", "step")
			assert.NoError(t, log.Append(ctx, &ev))
		}(i)
	}
	wg.Wait()

	evs, err := log.EventsFor(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, evs, 32)

	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestNotifyingLogCallsAfterAppend(t *testing.T) {
	log := NewMemoryLog()

	var notified []int64
	wrapped := WithNotifier(log, func(ctx context.Context, ev events.Event) {
		notified = append(notified, ev.Seq)
	})

	ev := events.NewRunStarted("run-1")
	require.NoError(t, wrapped.Append(context.Background(), &ev))
	assert.Equal(t, []int64{1}, notified)

	dup := events.NewRunSucceeded("run-1")
	require.NoError(t, wrapped.Append(context.Background(), &dup))

	rejected := events.NewRunFailed("run-1", "late")
	require.Error(t, wrapped.Append(context.Background(), &rejected))
	assert.Len(t, notified, 2, "rejected appends must not notify")
}
