//go:build integration
// +build integration

package eventlog

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/wenhoujx/dagster/pkg/events"
	"github.com/wenhoujx/dagster/pkg/models"
	"github.com/wenhoujx/dagster/pkg/runstate"
)

var postgresContainer *postgres.PostgresContainer

func TestMain(m *testing.M) {
	code := m.Run()

	if postgresContainer != nil {
		_ = postgresContainer.Terminate(context.Background())
	}

	os.Exit(code)
}

func setupTestLog(t *testing.T) (*PostgresLog, context.Context) {
	ctx := context.Background()

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error
		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("dagster_eventlog_test"),
			postgres.WithUsername("dagster"),
			postgres.WithPassword("dagster"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	log, err := NewPostgresLog(ctx, logger, databaseURL)
	require.NoError(t, err)

	cleanupDB(t, databaseURL)

	return log, ctx
}

func cleanupDB(t *testing.T, databaseURL string) {
	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(context.Background(), "TRUNCATE TABLE run_events")
	require.NoError(t, err)
}

func TestPostgresAppendAndReplay(t *testing.T) {
	log, ctx := setupTestLog(t)
	defer log.Close()

	seq := []events.Event{
		events.NewRunEnqueued("run-1", models.Tags{"team": "data"}),
		events.NewRunStarted("run-1"),
		events.NewStepStarted("run-1", "produce"),
		events.NewStepSucceeded("run-1", "produce", map[string]any{"val": 42}),
		events.NewRunSucceeded("run-1"),
	}

	for i := range seq {
		require.NoError(t, log.Append(ctx, &seq[i]))
		assert.Equal(t, int64(i+1), seq[i].Seq-seq[0].Seq+1)
	}

	evs, err := log.EventsFor(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, evs, len(seq))

	state, err := runstate.Reduce("run-1", evs)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, state.Status)
	assert.Equal(t, models.StepStatusSuccess, state.StepStatus("produce"))
	assert.EqualValues(t, 42, state.Step("produce").Outputs["val"])
}

func TestPostgresDuplicateTerminalRejected(t *testing.T) {
	log, ctx := setupTestLog(t)
	defer log.Close()

	first := events.NewStepSucceeded("run-1", "produce", nil)
	require.NoError(t, log.Append(ctx, &first))

	dup := events.NewStepFailed("run-1", "produce", "double report")
	err := log.Append(ctx, &dup)
	require.Error(t, err)
	assert.True(t, IsDuplicateEvent(err))

	done := events.NewRunSucceeded("run-1")
	require.NoError(t, log.Append(ctx, &done))

	late := events.NewRunFailed("run-1", "late")
	assert.True(t, IsDuplicateEvent(log.Append(ctx, &late)))
}

func TestPostgresEventsAfter(t *testing.T) {
	log, ctx := setupTestLog(t)
	defer log.Close()

	var cursor int64
	for i, ev := range []events.Event{
		events.NewRunStarted("run-1"),
		events.NewStepStarted("run-1", "a"),
		events.NewStepSucceeded("run-1", "a", nil),
	} {
		ev := ev
		require.NoError(t, log.Append(ctx, &ev))

		if i == 0 {
			cursor = ev.Seq
		}
	}

	tail, err := log.EventsAfter(ctx, "run-1", cursor)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, events.StepStarted, tail[0].Kind)
	assert.Equal(t, events.StepSucceeded, tail[1].Kind)
}

func TestPostgresUnknownRun(t *testing.T) {
	log, ctx := setupTestLog(t)
	defer log.Close()

	_, err := log.EventsFor(ctx, "ghost")
	assert.ErrorIs(t, err, ErrRunNotFound)
}
