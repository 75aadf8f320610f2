// Package eventlog defines the append-only event store contract and its
// in-memory, PostgreSQL, and Redis implementations.
package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/wenhoujx/dagster/pkg/events"
)

// Standard event log error values.
var (
	// ErrDuplicateEvent indicates a second terminal report for a step (or
	// run) that already has one. The first recorded outcome stands; a
	// duplicate usually means a backend or transport double-reported.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrRunNotFound indicates no events exist for the requested run.
	ErrRunNotFound = errors.New("run not found")
)

// DuplicateEventError wraps ErrDuplicateEvent with the offending record's
// coordinates.
type DuplicateEventError struct {
	RunID   string
	StepKey string
	Kind    events.Kind
}

func (e *DuplicateEventError) Error() string {
	if e.StepKey != "" {
		return fmt.Sprintf("duplicate %s event for step %s in run %s", e.Kind, e.StepKey, e.RunID)
	}

	return fmt.Sprintf("duplicate %s event for run %s", e.Kind, e.RunID)
}

func (e *DuplicateEventError) Unwrap() error { return ErrDuplicateEvent }

// IsDuplicateEvent checks whether an error indicates a rejected duplicate.
func IsDuplicateEvent(err error) bool {
	return errors.Is(err, ErrDuplicateEvent)
}

// Log is an append-only, per-run-ordered event store. Append assigns the
// event's sequence number; the total order of a run's events is established
// by the append operation, never by timestamps. Append never fails silently:
// double terminal reports surface as DuplicateEventError.
type Log interface {
	Append(ctx context.Context, ev *events.Event) error

	// EventsFor returns every event of the run in append order. The
	// sequence is restartable and finite: replaying it from empty always
	// reconstructs the same run state regardless of batching.
	EventsFor(ctx context.Context, runID string) ([]events.Event, error)

	// EventsAfter returns the run's events with Seq strictly greater than
	// afterSeq, in append order. It is the cursor used for incremental
	// consumption.
	EventsAfter(ctx context.Context, runID string, afterSeq int64) ([]events.Event, error)
}
