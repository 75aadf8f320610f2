package models

// RunStatus is the lifecycle state of a single run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "QUEUED"
	RunStatusStarted  RunStatus = "STARTED"
	RunStatusSuccess  RunStatus = "SUCCESS"
	RunStatusFailure  RunStatus = "FAILURE"
	RunStatusCanceled RunStatus = "CANCELED"
)

// IsTerminal reports whether the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailure || s == RunStatusCanceled
}

// StepStatus is the per-step state within a run.
type StepStatus string

const (
	StepStatusPending StepStatus = "PENDING"
	StepStatusStarted StepStatus = "STARTED"
	StepStatusSuccess StepStatus = "SUCCESS"
	StepStatusFailure StepStatus = "FAILURE"
	StepStatusSkipped StepStatus = "SKIPPED"
)

// IsTerminal reports whether the step has reached an outcome. SKIPPED counts
// as terminal: dependents may become ready once every upstream is SUCCESS or
// SKIPPED.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSuccess || s == StepStatusFailure || s == StepStatusSkipped
}

// SkipReason records why a step resolved SKIPPED without executing. The
// reason propagates: a step skipped because of an upstream failure passes
// SkipReasonUpstreamFailure on to its own dependents.
type SkipReason string

const (
	// SkipReasonUpstreamFailure marks steps downstream of a failed step.
	SkipReasonUpstreamFailure SkipReason = "upstream_failure"
	// SkipReasonOutputNotProduced marks steps bound solely to optional
	// outputs their producer chose not to emit.
	SkipReasonOutputNotProduced SkipReason = "output_not_produced"
	// SkipReasonRunCanceled marks steps that were never dispatched because
	// the run was canceled.
	SkipReasonRunCanceled SkipReason = "run_canceled"
)
