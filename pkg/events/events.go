// Package events defines the append-only record types emitted for every run
// and step state transition.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/wenhoujx/dagster/pkg/models"
)

// Kind enumerates event kinds.
type Kind string

const (
	RunEnqueued  Kind = "run.enqueued"
	RunStarted   Kind = "run.started"
	RunSucceeded Kind = "run.succeeded"
	RunFailed    Kind = "run.failed"
	RunCanceled  Kind = "run.canceled"

	StepStarted   Kind = "step.started"
	StepSucceeded Kind = "step.succeeded"
	StepFailed    Kind = "step.failed"
	StepSkipped   Kind = "step.skipped"

	HookFailed Kind = "hook.failed"
)

// IsStepTerminal reports whether the kind records a step outcome.
func (k Kind) IsStepTerminal() bool {
	return k == StepSucceeded || k == StepFailed || k == StepSkipped
}

// IsRunTerminal reports whether the kind ends a run.
func (k Kind) IsRunTerminal() bool {
	return k == RunSucceeded || k == RunFailed || k == RunCanceled
}

// Event is one immutable record in a run's event log. Seq is assigned by the
// log's append operation and establishes the total order for the run;
// timestamps are informational only.
type Event struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Kind      Kind      `json:"kind"`
	RunID     string    `json:"run_id"`
	StepKey   string    `json:"step_key,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Outputs    map[string]any    `json:"outputs,omitempty"`
	Error      string            `json:"error,omitempty"`
	SkipReason models.SkipReason `json:"skip_reason,omitempty"`
	HookName   string            `json:"hook_name,omitempty"`
	Tags       models.Tags       `json:"tags,omitempty"`
}

func newEvent(kind Kind, runID string) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
}

func NewRunEnqueued(runID string, tags models.Tags) Event {
	ev := newEvent(RunEnqueued, runID)
	ev.Tags = tags

	return ev
}

func NewRunStarted(runID string) Event {
	return newEvent(RunStarted, runID)
}

func NewRunSucceeded(runID string) Event {
	return newEvent(RunSucceeded, runID)
}

func NewRunFailed(runID string, errMsg string) Event {
	ev := newEvent(RunFailed, runID)
	ev.Error = errMsg

	return ev
}

func NewRunCanceled(runID string) Event {
	return newEvent(RunCanceled, runID)
}

func NewStepStarted(runID, stepKey string) Event {
	ev := newEvent(StepStarted, runID)
	ev.StepKey = stepKey

	return ev
}

func NewStepSucceeded(runID, stepKey string, outputs map[string]any) Event {
	ev := newEvent(StepSucceeded, runID)
	ev.StepKey = stepKey
	ev.Outputs = outputs

	return ev
}

func NewStepFailed(runID, stepKey, errMsg string) Event {
	ev := newEvent(StepFailed, runID)
	ev.StepKey = stepKey
	ev.Error = errMsg

	return ev
}

func NewStepSkipped(runID, stepKey string, reason models.SkipReason) Event {
	ev := newEvent(StepSkipped, runID)
	ev.StepKey = stepKey
	ev.SkipReason = reason

	return ev
}

func NewHookFailed(runID, stepKey, hookName, errMsg string) Event {
	ev := newEvent(HookFailed, runID)
	ev.StepKey = stepKey
	ev.HookName = hookName
	ev.Error = errMsg

	return ev
}
