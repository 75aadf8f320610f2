// Package runstate models the mutable state of one run as a pure fold over
// its event sequence. Live incremental updates and replay from the event log
// go through the same Apply transition, so both always agree.
package runstate

import (
	"fmt"

	"github.com/wenhoujx/dagster/pkg/events"
	"github.com/wenhoujx/dagster/pkg/models"
)

// StepState is the folded per-step outcome.
type StepState struct {
	Status     models.StepStatus `json:"status"`
	Outputs    map[string]any    `json:"outputs,omitempty"`
	Error      string            `json:"error,omitempty"`
	SkipReason models.SkipReason `json:"skip_reason,omitempty"`
}

// RunState is the folded state of one run. It is exclusively owned by the
// run coordinator; everyone else appends events and re-reads.
type RunState struct {
	RunID  string                `json:"run_id"`
	Status models.RunStatus      `json:"status"`
	Tags   models.Tags           `json:"tags,omitempty"`
	Steps  map[string]*StepState `json:"steps"`
	Error  string                `json:"error,omitempty"`

	// Cursor is the highest applied event sequence number. Apply rejects
	// events at or below it, which makes replay batching irrelevant.
	Cursor int64 `json:"cursor"`
}

func New(runID string, tags models.Tags) *RunState {
	return &RunState{
		RunID:  runID,
		Status: models.RunStatusQueued,
		Tags:   tags,
		Steps:  make(map[string]*StepState),
	}
}

// Step returns the folded state for a step key, nil when no event touched it
// yet.
func (s *RunState) Step(key string) *StepState {
	return s.Steps[key]
}

// StepStatus returns the step's status, PENDING when no event touched it.
func (s *RunState) StepStatus(key string) models.StepStatus {
	if st, ok := s.Steps[key]; ok {
		return st.Status
	}

	return models.StepStatusPending
}

// Apply folds one event into the state. It is the only mutation path.
func (s *RunState) Apply(ev events.Event) error {
	if ev.RunID != s.RunID {
		return fmt.Errorf("event for run %s applied to run %s", ev.RunID, s.RunID)
	}

	if ev.Seq != 0 && ev.Seq <= s.Cursor {
		return fmt.Errorf("event seq %d already applied (cursor %d)", ev.Seq, s.Cursor)
	}

	switch ev.Kind {
	case events.RunEnqueued:
		s.Status = models.RunStatusQueued
		if ev.Tags != nil {
			s.Tags = ev.Tags
		}
	case events.RunStarted:
		s.Status = models.RunStatusStarted
	case events.RunSucceeded:
		s.Status = models.RunStatusSuccess
	case events.RunFailed:
		s.Status = models.RunStatusFailure
		s.Error = ev.Error
	case events.RunCanceled:
		s.Status = models.RunStatusCanceled
	case events.StepStarted:
		s.step(ev.StepKey).Status = models.StepStatusStarted
	case events.StepSucceeded:
		st := s.step(ev.StepKey)
		st.Status = models.StepStatusSuccess
		st.Outputs = ev.Outputs
	case events.StepFailed:
		st := s.step(ev.StepKey)
		st.Status = models.StepStatusFailure
		st.Error = ev.Error
	case events.StepSkipped:
		st := s.step(ev.StepKey)
		st.Status = models.StepStatusSkipped
		st.SkipReason = ev.SkipReason
	case events.HookFailed:
		// Hook failures never change run or step outcomes.
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	if ev.Seq > s.Cursor {
		s.Cursor = ev.Seq
	}

	return nil
}

func (s *RunState) step(key string) *StepState {
	st, ok := s.Steps[key]
	if !ok {
		st = &StepState{Status: models.StepStatusPending}
		s.Steps[key] = st
	}

	return st
}

// Reduce reconstructs a run's state from scratch over an event sequence, in
// order. Used after process restart to rebuild state from the event log.
func Reduce(runID string, evs []events.Event) (*RunState, error) {
	state := New(runID, nil)

	for _, ev := range evs {
		if err := state.Apply(ev); err != nil {
			return nil, err
		}
	}

	return state, nil
}
