// Package hooks dispatches registered completion callbacks once per step
// terminal status. Hook failures are recorded as events and never alter the
// step's own outcome.
package hooks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wenhoujx/dagster/pkg/eventlog"
	"github.com/wenhoujx/dagster/pkg/events"
	"github.com/wenhoujx/dagster/pkg/models"
)

// StepCompletion is the context handed to each hook.
type StepCompletion struct {
	RunID      string
	StepKey    string
	Status     models.StepStatus
	Outputs    map[string]any
	Error      string
	SkipReason models.SkipReason
	Tags       models.Tags
}

// Hook is one registered completion handler.
type Hook interface {
	Name() string
	OnStepComplete(ctx context.Context, completion StepCompletion) error
}

// HookFunc adapts a function to the Hook interface.
type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, completion StepCompletion) error
}

func (h HookFunc) Name() string { return h.HookName }

func (h HookFunc) OnStepComplete(ctx context.Context, completion StepCompletion) error {
	return h.Fn(ctx, completion)
}

// Dispatcher invokes hooks in registration order. A hook that errors or
// panics is recorded as a hook-failure event and never blocks the rest.
type Dispatcher struct {
	hooks  []Hook
	log    eventlog.Log
	logger *slog.Logger
}

func NewDispatcher(log eventlog.Log, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{log: log, logger: logger}
}

// Register appends a hook. Not safe to call once dispatching has begun.
func (d *Dispatcher) Register(h Hook) {
	d.hooks = append(d.hooks, h)
}

// Dispatch runs every hook for one step completion. Called exactly once per
// step terminal status, after the terminal event is durably appended and
// before the scheduler advances past the step.
func (d *Dispatcher) Dispatch(ctx context.Context, completion StepCompletion) {
	for _, h := range d.hooks {
		if err := d.invoke(ctx, h, completion); err != nil {
			d.logger.Warn("Hook failed",
				"hook", h.Name(),
				"run_id", completion.RunID,
				"step_key", completion.StepKey,
				"error", err)

			ev := events.NewHookFailed(completion.RunID, completion.StepKey, h.Name(), err.Error())
			if appendErr := d.log.Append(ctx, &ev); appendErr != nil {
				d.logger.Error("Failed to record hook failure", "hook", h.Name(), "error", appendErr)
			}
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Hook, completion StepCompletion) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()

	return h.OnStepComplete(ctx, completion)
}
