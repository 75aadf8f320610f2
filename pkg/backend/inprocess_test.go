package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenhoujx/dagster/pkg/log"
	"github.com/wenhoujx/dagster/pkg/models"
	"github.com/wenhoujx/dagster/pkg/plan"
	"github.com/wenhoujx/dagster/pkg/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	r := registry.NewRegistry(log.Discard())

	require.NoError(t, r.Register(
		&models.NodeDefinition{
			Name:    "emit",
			Outputs: []models.OutputSpec{{Name: "val", Type: models.TypeInt, Required: true}},
		},
		func(ctx context.Context, cc registry.ComputeContext) (map[string]any, error) {
			return map[string]any{"val": 7}, nil
		},
	))

	require.NoError(t, r.Register(
		&models.NodeDefinition{Name: "explode"},
		func(ctx context.Context, cc registry.ComputeContext) (map[string]any, error) {
			panic("unexpected nil")
		},
	))

	require.NoError(t, r.Register(
		&models.NodeDefinition{Name: "fail"},
		func(ctx context.Context, cc registry.ComputeContext) (map[string]any, error) {
			return nil, errors.New("upstream service 503")
		},
	))

	require.NoError(t, r.Register(
		&models.NodeDefinition{
			Name: "maybe",
			Outputs: []models.OutputSpec{
				{Name: "always", Type: models.TypeInt, Required: true},
				{Name: "sometimes", Type: models.TypeInt, Required: false},
			},
		},
		func(ctx context.Context, cc registry.ComputeContext) (map[string]any, error) {
			return map[string]any{"always": 1}, nil
		},
	))

	return r
}

func stepFor(t *testing.T, r *registry.Registry, name string) *plan.Step {
	t.Helper()

	def, err := r.Definition(name)
	require.NoError(t, err)

	return plan.RemoteStep(name, def, nil)
}

func TestInProcessSuccess(t *testing.T) {
	r := testRegistry(t)
	b := NewInProcess(r, log.Discard())

	result, err := b.Execute(context.Background(), stepFor(t, r, "emit"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusSuccess, result.Status)
	assert.Equal(t, map[string]any{"val": 7}, result.Outputs)
}

func TestInProcessComputeErrorIsStepFailure(t *testing.T) {
	r := testRegistry(t)
	b := NewInProcess(r, log.Discard())

	result, err := b.Execute(context.Background(), stepFor(t, r, "fail"), nil, nil)
	require.NoError(t, err, "a compute error is a step outcome, not a scheduling failure")
	assert.Equal(t, models.StepStatusFailure, result.Status)
	assert.Contains(t, result.Error, "503")
}

func TestInProcessPanicContained(t *testing.T) {
	r := testRegistry(t)
	b := NewInProcess(r, log.Discard())

	result, err := b.Execute(context.Background(), stepFor(t, r, "explode"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailure, result.Status)
	assert.Contains(t, result.Error, "panicked")
}

func TestInProcessUnknownNodeIsSchedulingPrevented(t *testing.T) {
	r := testRegistry(t)
	b := NewInProcess(r, log.Discard())

	def := &models.NodeDefinition{Name: "ghost"}
	_, err := b.Execute(context.Background(), plan.RemoteStep("ghost", def, nil), nil, nil)
	require.Error(t, err)
}

func TestInProcessMissingRequiredOutputFails(t *testing.T) {
	r := testRegistry(t)
	b := NewInProcess(r, log.Discard())

	require.NoError(t, r.Register(
		&models.NodeDefinition{
			Name:    "stingy",
			Outputs: []models.OutputSpec{{Name: "val", Type: models.TypeInt, Required: true}},
		},
		func(ctx context.Context, cc registry.ComputeContext) (map[string]any, error) {
			return map[string]any{}, nil
		},
	))

	result, err := b.Execute(context.Background(), stepFor(t, r, "stingy"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailure, result.Status)
	assert.Contains(t, result.Error, "required output")
}

func TestInProcessOptionalOutputMayBeOmitted(t *testing.T) {
	r := testRegistry(t)
	b := NewInProcess(r, log.Discard())

	result, err := b.Execute(context.Background(), stepFor(t, r, "maybe"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusSuccess, result.Status)

	_, produced := result.Outputs["sometimes"]
	assert.False(t, produced)
}

func TestRunIDFlowsThroughContext(t *testing.T) {
	r := registry.NewRegistry(log.Discard())

	var seen string
	require.NoError(t, r.Register(
		&models.NodeDefinition{Name: "observe"},
		func(ctx context.Context, cc registry.ComputeContext) (map[string]any, error) {
			seen = cc.RunID

			return nil, nil
		},
	))

	b := NewInProcess(r, log.Discard())
	_, err := b.Execute(WithRunID(context.Background(), "run-42"), stepFor(t, r, "observe"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "run-42", seen)
}
