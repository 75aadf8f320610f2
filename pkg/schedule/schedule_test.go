package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenhoujx/dagster/pkg/backend"
	"github.com/wenhoujx/dagster/pkg/coordinator"
	"github.com/wenhoujx/dagster/pkg/eventlog"
	"github.com/wenhoujx/dagster/pkg/graph"
	"github.com/wenhoujx/dagster/pkg/log"
	"github.com/wenhoujx/dagster/pkg/models"
	"github.com/wenhoujx/dagster/pkg/plan"
	"github.com/wenhoujx/dagster/pkg/registry"
	"github.com/wenhoujx/dagster/pkg/scheduler"
)

func testPlan(t *testing.T) (*plan.ExecutionPlan, *coordinator.Coordinator) {
	t.Helper()

	reg := registry.NewRegistry(log.Discard())
	require.NoError(t, reg.Register(
		&models.NodeDefinition{
			Name:    "tick",
			Outputs: []models.OutputSpec{{Name: "at", Type: models.TypeString, Required: true}},
		},
		func(ctx context.Context, cc registry.ComputeContext) (map[string]any, error) {
			return map[string]any{"at": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	))

	g, err := graph.Build([]graph.Vertex{{Alias: "tick", Def: mustDef(t, reg, "tick")}}, nil)
	require.NoError(t, err)

	p, err := plan.Compile(g, models.RunConfig{})
	require.NoError(t, err)

	memLog := eventlog.NewMemoryLog()
	coord := coordinator.New(memLog, coordinator.WithLogger(log.Discard()))
	sched := scheduler.New(memLog, backend.NewInProcess(reg, log.Discard()),
		scheduler.WithLimiter(coord), scheduler.WithLogger(log.Discard()))
	coord.AttachScheduler(sched)

	return p, coord
}

func mustDef(t *testing.T, reg *registry.Registry, name string) *models.NodeDefinition {
	t.Helper()

	def, err := reg.Definition(name)
	require.NoError(t, err)

	return def
}

func TestEntryValidate(t *testing.T) {
	p, _ := testPlan(t)

	valid := Entry{Name: "hourly", CronExpr: "0 * * * *", Plan: p}
	require.NoError(t, valid.Validate())

	assert.Error(t, Entry{CronExpr: "0 * * * *", Plan: p}.Validate(), "name required")
	assert.Error(t, Entry{Name: "x", CronExpr: "not-cron", Plan: p}.Validate())
	assert.Error(t, Entry{Name: "x", CronExpr: "0 * * * *"}.Validate(), "plan required")
	assert.Error(t, Entry{Name: "x", CronExpr: "0 * * * *", Plan: p, Timezone: "Mars/Olympus"}.Validate())
}

func TestRunnerLifecycle(t *testing.T) {
	p, coord := testPlan(t)
	r := NewRunner(coord, log.Discard())

	require.NoError(t, r.Register(Entry{Name: "hourly", CronExpr: "0 * * * *", Plan: p}))
	require.Error(t, r.Register(Entry{Name: "broken", CronExpr: "nope", Plan: p}))

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	assert.ErrorIs(t, r.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, r.Stop(ctx))
	require.NoError(t, r.Stop(ctx), "stop is idempotent")
}

func TestFireSubmitsRun(t *testing.T) {
	p, coord := testPlan(t)
	r := NewRunner(coord, log.Discard())

	entry := Entry{Name: "nightly", CronExpr: "0 0 * * *", Plan: p, Tags: models.Tags{"team": "data"}}
	r.fire(context.Background(), entry)

	runs := coord.Runs()
	require.Len(t, runs, 1)
	run := runs[0]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, coord.Wait(ctx, run.RunID))
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, "nightly", run.Tags["dagster/schedule"])
	assert.Equal(t, "data", run.Tags["team"])
}
