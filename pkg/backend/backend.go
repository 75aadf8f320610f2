// Package backend provides the pluggable step execution backends: in
// process, isolated worker pool, and queue-backed remote workers. The
// scheduler only sees the Backend contract and issues no assumptions about
// where a step actually runs.
package backend

import (
	"context"

	"github.com/wenhoujx/dagster/pkg/models"
	"github.com/wenhoujx/dagster/pkg/plan"
)

// Backend executes one step with materialized inputs. A returned error is a
// fatal scheduling-prevented condition (resource unavailable, unknown node)
// and fails the step immediately without retry at this layer; retry policy,
// if any, lives inside the backend and surfaces here as an ordinary terminal
// StepResult.
type Backend interface {
	Execute(ctx context.Context, step *plan.Step, inputs map[string]any, resources map[string]models.ResourceConfig) (models.StepResult, error)
}
