package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wenhoujx/dagster/pkg/models"
	"github.com/wenhoujx/dagster/pkg/plan"
	"github.com/wenhoujx/dagster/pkg/registry"
)

// InProcess runs compute functions directly on the caller's goroutine.
type InProcess struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func NewInProcess(reg *registry.Registry, logger *slog.Logger) *InProcess {
	return &InProcess{registry: reg, logger: logger}
}

func (b *InProcess) Execute(ctx context.Context, step *plan.Step, inputs map[string]any, resources map[string]models.ResourceConfig) (models.StepResult, error) {
	fn, err := b.registry.Compute(step.DefName)
	if err != nil {
		// Unknown node is a scheduling-prevented condition, not a
		// compute failure.
		return models.StepResult{}, err
	}

	outputs, err := runCompute(ctx, fn, registry.ComputeContext{
		RunID:     runIDFrom(ctx),
		StepKey:   step.Key,
		Config:    step.Config,
		Inputs:    inputs,
		Resources: resources,
		Logger:    b.logger.With("step_key", step.Key),
	})
	if err != nil {
		return models.FailureResult(err), nil
	}

	if missing := missingRequiredOutput(step, outputs); missing != "" {
		return models.FailureResult(fmt.Errorf("step %s did not produce required output %q", step.Key, missing)), nil
	}

	return models.SuccessResult(outputs), nil
}

// runCompute isolates compute panics into step failures.
func runCompute(ctx context.Context, fn registry.ComputeFunc, cc registry.ComputeContext) (outputs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = fmt.Errorf("compute panicked: %v", r)
		}
	}()

	return fn(ctx, cc)
}

func missingRequiredOutput(step *plan.Step, outputs map[string]any) string {
	for _, out := range step.Def().Outputs {
		if !out.Required {
			continue
		}

		if _, ok := outputs[out.Name]; !ok {
			return out.Name
		}
	}

	return ""
}

type runIDKey struct{}

// WithRunID stamps the run id onto the context handed to backends.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func runIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}

	return ""
}
