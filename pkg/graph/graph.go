// Package graph builds and validates the directed dependency graph that an
// execution plan is compiled from. A graph is built once and never mutated;
// rebuilding produces a new value.
package graph

import (
	"fmt"

	"github.com/wenhoujx/dagster/pkg/models"
)

// Vertex is one aliased occurrence of a node definition. The same definition
// may appear under several aliases; each alias is an independent vertex with
// its own edges sharing the immutable definition.
type Vertex struct {
	Alias string
	Def   *models.NodeDefinition
}

// Graph is an immutable, validated dependency graph.
type Graph struct {
	order    []string // aliases in declaration order
	vertices map[string]Vertex
	edges    []models.Edge
	inbound  map[string][]models.Edge
	outbound map[string][]models.Edge
}

// Aliases returns vertex aliases in declaration order.
func (g *Graph) Aliases() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)

	return out
}

// Vertex returns the vertex registered under alias.
func (g *Graph) Vertex(alias string) (Vertex, bool) {
	v, ok := g.vertices[alias]

	return v, ok
}

// Edges returns every edge of the graph.
func (g *Graph) Edges() []models.Edge {
	out := make([]models.Edge, len(g.edges))
	copy(out, g.edges)

	return out
}

// Inbound returns the edges arriving at alias.
func (g *Graph) Inbound(alias string) []models.Edge {
	return g.inbound[alias]
}

// Outbound returns the edges leaving alias.
func (g *Graph) Outbound(alias string) []models.Edge {
	return g.outbound[alias]
}

// Build validates nodes plus edges and assembles a Graph. Validation order
// is fixed so the surfaced error is deterministic when several problems
// coexist: reference checks, duplicate bindings, cycles, unresolved inputs.
func Build(nodes []Vertex, edges []models.Edge) (*Graph, error) {
	g := &Graph{
		vertices: make(map[string]Vertex, len(nodes)),
		inbound:  make(map[string][]models.Edge),
		outbound: make(map[string][]models.Edge),
	}

	for _, v := range nodes {
		if v.Def == nil {
			return nil, &UnknownAliasError{Alias: v.Alias, Detail: "nil definition"}
		}

		if v.Alias == "" {
			v.Alias = v.Def.Name
		}

		if _, dup := g.vertices[v.Alias]; dup {
			return nil, &UnknownAliasError{Alias: v.Alias, Detail: "alias declared twice"}
		}

		g.vertices[v.Alias] = v
		g.order = append(g.order, v.Alias)
	}

	if err := g.checkEdgeReferences(edges); err != nil {
		return nil, err
	}

	g.edges = append(g.edges, edges...)
	for _, e := range edges {
		g.inbound[e.Downstream] = append(g.inbound[e.Downstream], e)
		g.outbound[e.Upstream] = append(g.outbound[e.Upstream], e)
	}

	if err := g.checkDuplicateBindings(); err != nil {
		return nil, err
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	if err := g.checkResolvedInputs(); err != nil {
		return nil, err
	}

	return g, nil
}

func (g *Graph) checkEdgeReferences(edges []models.Edge) error {
	for _, e := range edges {
		up, ok := g.vertices[e.Upstream]
		if !ok {
			return &UnknownAliasError{Alias: e.Upstream, Detail: "edge upstream"}
		}

		down, ok := g.vertices[e.Downstream]
		if !ok {
			return &UnknownAliasError{Alias: e.Downstream, Detail: "edge downstream"}
		}

		if e.Kind == models.EdgeKindOrder {
			continue
		}

		if _, ok := up.Def.Output(e.UpstreamOutput); !ok {
			return &UnknownAliasError{
				Alias:  e.Upstream,
				Detail: fmt.Sprintf("no output %q on definition %q", e.UpstreamOutput, up.Def.Name),
			}
		}

		in, ok := down.Def.Input(e.DownstreamInput)
		if !ok {
			return &UnknownAliasError{
				Alias:  e.Downstream,
				Detail: fmt.Sprintf("no input %q on definition %q", e.DownstreamInput, down.Def.Name),
			}
		}

		if in.Type == models.TypeNothing {
			return &UnknownAliasError{
				Alias:  e.Downstream,
				Detail: fmt.Sprintf("data edge targets nothing-typed input %q", in.Name),
			}
		}
	}

	return nil
}

func (g *Graph) checkDuplicateBindings() error {
	for _, alias := range g.order {
		v := g.vertices[alias]
		counts := make(map[string]int)

		for _, e := range g.inbound[alias] {
			if e.Kind != models.EdgeKindData {
				continue
			}

			counts[e.DownstreamInput]++
		}

		for input, n := range counts {
			spec, _ := v.Def.Input(input)
			if n > 1 && spec.Type != models.TypeList {
				return &DuplicateBindingError{Alias: alias, Input: input}
			}
		}
	}

	return nil
}

// checkAcyclic runs a three-color depth first search over declaration order
// so the reported cycle is the first one reachable from the earliest
// declared vertex, trimmed to the minimal cycle path.
func (g *Graph) checkAcyclic() error {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(g.order))
	var stack []string

	var visit func(alias string) *CycleError
	visit = func(alias string) *CycleError {
		color[alias] = gray
		stack = append(stack, alias)

		for _, e := range g.outbound[alias] {
			next := e.Downstream

			switch color[next] {
			case white:
				if cerr := visit(next); cerr != nil {
					return cerr
				}
			case gray:
				// Trim the stack down to the cycle entry point.
				start := 0
				for i, a := range stack {
					if a == next {
						start = i

						break
					}
				}

				path := make([]string, 0, len(stack)-start)
				path = append(path, stack[start:]...)

				return &CycleError{Path: path}
			}
		}

		stack = stack[:len(stack)-1]
		color[alias] = black

		return nil
	}

	for _, alias := range g.order {
		if color[alias] != white {
			continue
		}

		if cerr := visit(alias); cerr != nil {
			return cerr
		}
	}

	return nil
}

func (g *Graph) checkResolvedInputs() error {
	for _, alias := range g.order {
		v := g.vertices[alias]

		bound := make(map[string]bool)
		for _, e := range g.inbound[alias] {
			if e.Kind == models.EdgeKindData {
				bound[e.DownstreamInput] = true
			}
		}

		for _, in := range v.Def.Inputs {
			if in.Type == models.TypeNothing {
				continue
			}

			if !bound[in.Name] && !in.HasDefault {
				return &UnresolvedInputError{Alias: alias, Input: in.Name}
			}
		}
	}

	return nil
}
