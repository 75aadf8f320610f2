package plan

import "fmt"

// Error is a fatal compile-time plan failure. No partial plan is returned.
type Error struct {
	Step   string
	Input  string
	Reason string
}

func (e *Error) Error() string {
	switch {
	case e.Step != "" && e.Input != "":
		return fmt.Sprintf("plan: step %s input %s: %s", e.Step, e.Input, e.Reason)
	case e.Step != "":
		return fmt.Sprintf("plan: step %s: %s", e.Step, e.Reason)
	default:
		return "plan: " + e.Reason
	}
}
