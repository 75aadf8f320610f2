// Package plan compiles a validated dependency graph plus a run
// configuration into an immutable, topologically ordered execution plan.
package plan

import (
	"fmt"

	"github.com/wenhoujx/dagster/pkg/models"
)

// BindingKind says where a bound input value comes from at run time.
type BindingKind string

const (
	// BindingFromOutput reads the named output of an earlier step.
	BindingFromOutput BindingKind = "from_output"
	// BindingFromValue is a literal resolved at compile time from run
	// config or an input default.
	BindingFromValue BindingKind = "from_value"
)

// BindingSource is one contributor to an input binding.
type BindingSource struct {
	Kind    BindingKind `json:"kind"`
	StepKey string      `json:"step_key,omitempty"`
	Output  string      `json:"output,omitempty"`
	Value   any         `json:"value,omitempty"`
}

// InputBinding resolves one declared input. Fan-in (list-typed) inputs carry
// several sources ordered by the producing aliases' declaration order;
// everything else carries exactly one.
type InputBinding struct {
	Input   string          `json:"input"`
	FanIn   bool            `json:"fan_in"`
	Sources []BindingSource `json:"sources"`
}

// Step is one plan-bound invocation of a node definition.
type Step struct {
	// Key uniquely identifies the step within the plan: the graph alias,
	// which carries the invocation index when a definition is used more
	// than once.
	Key string `json:"key"`
	// DefName names the shared node definition.
	DefName string `json:"def_name"`
	// Invocation is this step's index among steps sharing DefName, in
	// declaration order.
	Invocation int `json:"invocation"`
	// Position is the step's topological position. Input bindings only
	// ever reference steps with a strictly smaller position; enforced at
	// compile time.
	Position int `json:"position"`

	Bindings  []InputBinding `json:"bindings"`
	Config    map[string]any `json:"config,omitempty"`
	Resources []string       `json:"resources,omitempty"`
	Tags      models.Tags    `json:"tags,omitempty"`

	// Deps holds every upstream step key, data and order edges combined,
	// deduplicated. OrderDeps is the order-only subset.
	Deps      []string `json:"deps,omitempty"`
	OrderDeps []string `json:"order_deps,omitempty"`

	def *models.NodeDefinition
}

// Def returns the immutable node definition behind this step.
func (s *Step) Def() *models.NodeDefinition { return s.def }

// RemoteStep rebuilds the minimal step shape a remote worker needs to
// execute a dispatched step: key, definition, and resolved config. Bindings
// were already materialized on the dispatching side.
func RemoteStep(key string, def *models.NodeDefinition, config map[string]any) *Step {
	return &Step{
		Key:       key,
		DefName:   def.Name,
		Config:    config,
		Resources: append([]string(nil), def.Resources...),
		def:       def,
	}
}

// ExecutionPlan is the compiled, immutable plan for one run.
type ExecutionPlan struct {
	steps      []*Step
	byKey      map[string]*Step
	downstream map[string][]string
	resources  map[string]models.ResourceConfig
}

// Steps returns the steps in topological order.
func (p *ExecutionPlan) Steps() []*Step {
	out := make([]*Step, len(p.steps))
	copy(out, p.steps)

	return out
}

// Step returns the step registered under key.
func (p *ExecutionPlan) Step(key string) (*Step, bool) {
	s, ok := p.byKey[key]

	return s, ok
}

// Downstream returns the keys of steps directly depending on key.
func (p *ExecutionPlan) Downstream(key string) []string {
	return p.downstream[key]
}

// ResourceConfig returns the run-level configuration of a resource key.
func (p *ExecutionPlan) ResourceConfig(key string) (models.ResourceConfig, bool) {
	rc, ok := p.resources[key]

	return rc, ok
}

// ResourceLimits collects every configured per-resource concurrency ceiling.
func (p *ExecutionPlan) ResourceLimits() map[string]int {
	limits := make(map[string]int)
	for key, rc := range p.resources {
		if rc.MaxConcurrent > 0 {
			limits[key] = rc.MaxConcurrent
		}
	}

	return limits
}

// ForSteps derives a subset plan containing only the given keys. Bindings to
// steps outside the subset are invalid; the subset must be closed under
// upstream data dependencies or compilation of the subset fails.
func (p *ExecutionPlan) ForSteps(keys []string) (*ExecutionPlan, error) {
	keep := make(map[string]bool, len(keys))
	for _, k := range keys {
		if _, ok := p.byKey[k]; !ok {
			return nil, &Error{Step: k, Reason: "unknown step key in subset"}
		}

		keep[k] = true
	}

	sub := &ExecutionPlan{
		byKey:      make(map[string]*Step),
		downstream: make(map[string][]string),
		resources:  p.resources,
	}

	for _, s := range p.steps {
		if !keep[s.Key] {
			continue
		}

		for _, b := range s.Bindings {
			for _, src := range b.Sources {
				if src.Kind == BindingFromOutput && !keep[src.StepKey] {
					return nil, &Error{
						Step:   s.Key,
						Reason: fmt.Sprintf("subset is missing upstream step %q", src.StepKey),
					}
				}
			}
		}

		sub.steps = append(sub.steps, s)
		sub.byKey[s.Key] = s
	}

	for key, downs := range p.downstream {
		if !keep[key] {
			continue
		}

		for _, d := range downs {
			if keep[d] {
				sub.downstream[key] = append(sub.downstream[key], d)
			}
		}
	}

	return sub, nil
}
