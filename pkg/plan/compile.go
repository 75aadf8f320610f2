package plan

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/wenhoujx/dagster/pkg/graph"
	"github.com/wenhoujx/dagster/pkg/models"
)

// Compile resolves a graph against a run configuration into an execution
// plan. The topological sort is stable: ties are broken by vertex
// declaration order, never by name, so identical input compiles to an
// identical plan across runs.
func Compile(g *graph.Graph, cfg models.RunConfig) (*ExecutionPlan, error) {
	order, err := topoSort(g)
	if err != nil {
		return nil, err
	}

	p := &ExecutionPlan{
		byKey:      make(map[string]*Step),
		downstream: make(map[string][]string),
		resources:  cfg.Resources,
	}

	declared := declarationIndex(g)
	invocations := make(map[string]int)

	for pos, alias := range order {
		v, _ := g.Vertex(alias)
		nodeCfg := cfg.NodeConfig(alias)

		if err := validateConfig(alias, v.Def, nodeCfg.Config); err != nil {
			return nil, err
		}

		step := &Step{
			Key:        alias,
			DefName:    v.Def.Name,
			Invocation: invocations[v.Def.Name],
			Position:   pos,
			Config:     nodeCfg.Config,
			Resources:  append([]string(nil), v.Def.Resources...),
			Tags:       v.Def.Tags,
			def:        v.Def,
		}
		invocations[v.Def.Name]++

		bindings, err := resolveBindings(g, v, nodeCfg, declared)
		if err != nil {
			return nil, err
		}

		step.Bindings = bindings
		step.Deps, step.OrderDeps = collectDeps(g, alias)

		p.steps = append(p.steps, step)
		p.byKey[step.Key] = step
	}

	for _, step := range p.steps {
		for _, dep := range step.Deps {
			p.downstream[dep] = append(p.downstream[dep], step.Key)
		}
	}

	if err := p.checkPositions(); err != nil {
		return nil, err
	}

	return p, nil
}

// topoSort is Kahn's algorithm over declaration order: each round admits the
// earliest-declared vertex whose dependencies are all admitted.
func topoSort(g *graph.Graph) ([]string, error) {
	aliases := g.Aliases()
	indegree := make(map[string]int, len(aliases))

	for _, alias := range aliases {
		seen := make(map[string]bool)
		for _, e := range g.Inbound(alias) {
			if !seen[e.Upstream] {
				seen[e.Upstream] = true
				indegree[alias]++
			}
		}
	}

	placed := make(map[string]bool, len(aliases))
	order := make([]string, 0, len(aliases))

	for len(order) < len(aliases) {
		progressed := false

		for _, alias := range aliases {
			if placed[alias] || indegree[alias] > 0 {
				continue
			}

			placed[alias] = true
			order = append(order, alias)
			progressed = true

			decremented := make(map[string]bool)
			for _, e := range g.Outbound(alias) {
				if !decremented[e.Downstream] {
					decremented[e.Downstream] = true
					indegree[e.Downstream]--
				}
			}
		}

		// Graph.Build already rejects cycles; this guards subset use.
		if !progressed {
			return nil, &Error{Reason: "graph is not acyclic"}
		}
	}

	return order, nil
}

func declarationIndex(g *graph.Graph) map[string]int {
	idx := make(map[string]int)
	for i, alias := range g.Aliases() {
		idx[alias] = i
	}

	return idx
}

func resolveBindings(g *graph.Graph, v graph.Vertex, nodeCfg models.NodeRunConfig, declared map[string]int) ([]InputBinding, error) {
	edgesByInput := make(map[string][]models.Edge)
	for _, e := range g.Inbound(v.Alias) {
		if e.Kind == models.EdgeKindData {
			edgesByInput[e.DownstreamInput] = append(edgesByInput[e.DownstreamInput], e)
		}
	}

	var bindings []InputBinding

	for _, in := range v.Def.Inputs {
		if in.Type == models.TypeNothing {
			continue
		}

		edges := edgesByInput[in.Name]

		switch {
		case len(edges) > 0 && in.Type == models.TypeList:
			// Fan-in: order sources by the producing aliases'
			// declaration order, matching plan determinism.
			sorted := append([]models.Edge(nil), edges...)
			for i := 1; i < len(sorted); i++ {
				for j := i; j > 0 && declared[sorted[j].Upstream] < declared[sorted[j-1].Upstream]; j-- {
					sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
				}
			}

			sources := make([]BindingSource, 0, len(sorted))
			for _, e := range sorted {
				sources = append(sources, BindingSource{
					Kind:    BindingFromOutput,
					StepKey: e.Upstream,
					Output:  e.UpstreamOutput,
				})
			}

			bindings = append(bindings, InputBinding{Input: in.Name, FanIn: true, Sources: sources})

		case len(edges) == 1:
			bindings = append(bindings, InputBinding{
				Input: in.Name,
				Sources: []BindingSource{{
					Kind:    BindingFromOutput,
					StepKey: edges[0].Upstream,
					Output:  edges[0].UpstreamOutput,
				}},
			})

		case len(edges) > 1:
			// Graph.Build rejects this for non-list inputs.
			return nil, &Error{Step: v.Alias, Input: in.Name, Reason: "multiple edges on non-fan-in input"}

		default:
			value, ok := literalFor(in, nodeCfg)
			if !ok {
				return nil, &Error{Step: v.Alias, Input: in.Name, Reason: "required input is unbound"}
			}

			bindings = append(bindings, InputBinding{
				Input:   in.Name,
				Sources: []BindingSource{{Kind: BindingFromValue, Value: value}},
			})
		}
	}

	return bindings, nil
}

// literalFor resolves an edge-free input: explicit run config wins over the
// declared default; neither present means the input is unbound.
func literalFor(in models.InputSpec, nodeCfg models.NodeRunConfig) (any, bool) {
	if nodeCfg.Inputs != nil {
		if v, ok := nodeCfg.Inputs[in.Name]; ok {
			return v, true
		}
	}

	if in.HasDefault {
		return in.Default, true
	}

	return nil, false
}

func collectDeps(g *graph.Graph, alias string) (deps []string, orderDeps []string) {
	seen := make(map[string]bool)
	orderSeen := make(map[string]bool)

	for _, e := range g.Inbound(alias) {
		if !seen[e.Upstream] {
			seen[e.Upstream] = true
			deps = append(deps, e.Upstream)
		}

		if e.Kind == models.EdgeKindOrder && !orderSeen[e.Upstream] {
			orderSeen[e.Upstream] = true
			orderDeps = append(orderDeps, e.Upstream)
		}
	}

	return deps, orderDeps
}

func validateConfig(alias string, def *models.NodeDefinition, config map[string]any) error {
	if len(def.ConfigSchema) == 0 {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(def.ConfigSchema),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return &Error{Step: alias, Reason: fmt.Sprintf("config schema validation: %v", err)}
	}

	if !result.Valid() {
		first := result.Errors()[0]

		return &Error{Step: alias, Reason: fmt.Sprintf("config does not match declared schema: %s", first)}
	}

	return nil
}

// checkPositions enforces the plan invariant that bindings only reference
// strictly earlier topological positions.
func (p *ExecutionPlan) checkPositions() error {
	for _, step := range p.steps {
		for _, b := range step.Bindings {
			for _, src := range b.Sources {
				if src.Kind != BindingFromOutput {
					continue
				}

				up, ok := p.byKey[src.StepKey]
				if !ok {
					return &Error{Step: step.Key, Input: b.Input, Reason: "binding references unknown step"}
				}

				if up.Position >= step.Position {
					return &Error{
						Step:   step.Key,
						Input:  b.Input,
						Reason: fmt.Sprintf("binding references %q at position %d >= %d", up.Key, up.Position, step.Position),
					}
				}
			}
		}
	}

	return nil
}
