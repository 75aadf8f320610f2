package models

// StepResult is the tagged outcome of one step execution as reported by an
// execution backend: success with outputs, failure with an error, or skipped
// with a reason. Propagation logic in the scheduler is a total function over
// this variant, never over bare booleans.
type StepResult struct {
	Status     StepStatus     `json:"status"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Error      string         `json:"error,omitempty"`
	SkipReason SkipReason     `json:"skip_reason,omitempty"`
}

func SuccessResult(outputs map[string]any) StepResult {
	if outputs == nil {
		outputs = map[string]any{}
	}

	return StepResult{Status: StepStatusSuccess, Outputs: outputs}
}

func FailureResult(err error) StepResult {
	msg := "step failed"
	if err != nil {
		msg = err.Error()
	}

	return StepResult{Status: StepStatusFailure, Error: msg}
}

func SkippedResult(reason SkipReason) StepResult {
	return StepResult{Status: StepStatusSkipped, SkipReason: reason}
}
