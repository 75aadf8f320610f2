package graph

import (
	"fmt"
	"strings"
)

// GraphError is the common interface for every build-time graph failure. No
// partial graph is ever returned alongside one of these.
type GraphError interface {
	error
	graphError()
}

// DuplicateBindingError reports two data edges targeting the same non-fan-in
// input. Detected before cycle and unresolved-input checks so the winning
// error is deterministic.
type DuplicateBindingError struct {
	Alias string
	Input string
}

func (e *DuplicateBindingError) Error() string {
	return fmt.Sprintf("duplicate binding for input %s.%s", e.Alias, e.Input)
}

func (e *DuplicateBindingError) graphError() {}

// CycleError reports a dependency cycle. Path holds every alias on the
// minimal detected cycle, in edge order, with the entry alias first.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) graphError() {}

// UnresolvedInputError reports a data input with no inbound edge and no
// declared default.
type UnresolvedInputError struct {
	Alias string
	Input string
}

func (e *UnresolvedInputError) Error() string {
	return fmt.Sprintf("unresolved input %s.%s: no edge and no default", e.Alias, e.Input)
}

func (e *UnresolvedInputError) graphError() {}

// UnknownAliasError reports an edge endpoint or input/output name that does
// not exist in the node set.
type UnknownAliasError struct {
	Alias  string
	Detail string
}

func (e *UnknownAliasError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("unknown reference %q: %s", e.Alias, e.Detail)
	}

	return fmt.Sprintf("unknown alias %q", e.Alias)
}

func (e *UnknownAliasError) graphError() {}
