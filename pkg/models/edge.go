package models

// EdgeKind distinguishes data-carrying edges from ordering-only edges.
type EdgeKind string

const (
	// EdgeKindData transfers a named upstream output into a named
	// downstream input.
	EdgeKindData EdgeKind = "data"
	// EdgeKindOrder only constrains execution order. No data moves; the
	// downstream side is modeled as a "nothing"-typed input.
	EdgeKindOrder EdgeKind = "order"
)

// Edge connects two aliased vertices of a dependency graph. Edges are
// immutable once the graph is built.
type Edge struct {
	Kind EdgeKind `json:"kind" validate:"required,oneof=data order"`

	Upstream       string `json:"upstream"        validate:"required"`
	UpstreamOutput string `json:"upstream_output"` // empty for order edges

	Downstream      string `json:"downstream"       validate:"required"`
	DownstreamInput string `json:"downstream_input"` // empty for order edges
}

// DataEdge builds a data edge binding upstream.output to downstream.input.
func DataEdge(upstream, output, downstream, input string) Edge {
	return Edge{
		Kind:            EdgeKindData,
		Upstream:        upstream,
		UpstreamOutput:  output,
		Downstream:      downstream,
		DownstreamInput: input,
	}
}

// OrderEdge builds an ordering-only edge: downstream will not start before
// upstream reaches a terminal status.
func OrderEdge(upstream, downstream string) Edge {
	return Edge{
		Kind:       EdgeKindOrder,
		Upstream:   upstream,
		Downstream: downstream,
	}
}
