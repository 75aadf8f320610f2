package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenhoujx/dagster/pkg/graph"
	"github.com/wenhoujx/dagster/pkg/models"
)

func producerDef(name string) *models.NodeDefinition {
	return &models.NodeDefinition{
		Name:    name,
		Outputs: []models.OutputSpec{{Name: "val", Type: models.TypeInt, Required: true}},
	}
}

func consumerDef(name string) *models.NodeDefinition {
	return &models.NodeDefinition{
		Name:    name,
		Inputs:  []models.InputSpec{{Name: "val", Type: models.TypeInt}},
		Outputs: []models.OutputSpec{{Name: "val", Type: models.TypeInt, Required: true}},
	}
}

func mustBuild(t *testing.T, nodes []graph.Vertex, edges []models.Edge) *graph.Graph {
	t.Helper()

	g, err := graph.Build(nodes, edges)
	require.NoError(t, err)

	return g
}

func stepKeys(p *ExecutionPlan) []string {
	keys := make([]string, 0, len(p.Steps()))
	for _, s := range p.Steps() {
		keys = append(keys, s.Key)
	}

	return keys
}

func TestCompileStableTopologicalOrder(t *testing.T) {
	// A diamond declared sink-last: order between the two middle vertices
	// is their declaration order, not alphabetical.
	g := mustBuild(t,
		[]graph.Vertex{
			{Alias: "root", Def: producerDef("root")},
			{Alias: "zeta", Def: consumerDef("zeta")},
			{Alias: "alpha", Def: consumerDef("alpha")},
			{Alias: "sink", Def: &models.NodeDefinition{
				Name:   "sink",
				Inputs: []models.InputSpec{{Name: "vals", Type: models.TypeList}},
			}},
		},
		[]models.Edge{
			models.DataEdge("root", "val", "zeta", "val"),
			models.DataEdge("root", "val", "alpha", "val"),
			models.DataEdge("zeta", "val", "sink", "vals"),
			models.DataEdge("alpha", "val", "sink", "vals"),
		},
	)

	first, err := Compile(g, models.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "zeta", "alpha", "sink"}, stepKeys(first))

	// Recompiling identical input yields an identical order.
	second, err := Compile(g, models.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, stepKeys(first), stepKeys(second))
}

func TestCompilePositionsRespectEdges(t *testing.T) {
	g := mustBuild(t,
		[]graph.Vertex{
			{Alias: "produce", Def: producerDef("produce")},
			{Alias: "consume", Def: consumerDef("consume")},
		},
		[]models.Edge{models.DataEdge("produce", "val", "consume", "val")},
	)

	p, err := Compile(g, models.RunConfig{})
	require.NoError(t, err)

	produce, _ := p.Step("produce")
	consume, _ := p.Step("consume")
	assert.Less(t, produce.Position, consume.Position)
	assert.Equal(t, []string{"consume"}, p.Downstream("produce"))
}

func TestCompileFanInOrderedByDeclaration(t *testing.T) {
	g := mustBuild(t,
		[]graph.Vertex{
			{Alias: "second_declared", Def: producerDef("second_declared")},
			{Alias: "first_wired", Def: producerDef("first_wired")},
			{Alias: "sink", Def: &models.NodeDefinition{
				Name:   "sink",
				Inputs: []models.InputSpec{{Name: "vals", Type: models.TypeList}},
			}},
		},
		[]models.Edge{
			// Wired in the opposite order of declaration.
			models.DataEdge("first_wired", "val", "sink", "vals"),
			models.DataEdge("second_declared", "val", "sink", "vals"),
		},
	)

	p, err := Compile(g, models.RunConfig{})
	require.NoError(t, err)

	sink, _ := p.Step("sink")
	require.Len(t, sink.Bindings, 1)
	require.True(t, sink.Bindings[0].FanIn)

	producers := []string{
		sink.Bindings[0].Sources[0].StepKey,
		sink.Bindings[0].Sources[1].StepKey,
	}
	assert.Equal(t, []string{"second_declared", "first_wired"}, producers)
}

func TestCompileConfigPrecedenceOverDefault(t *testing.T) {
	def := &models.NodeDefinition{
		Name: "solo",
		Inputs: []models.InputSpec{
			{Name: "limit", Type: models.TypeInt, Default: 10, HasDefault: true},
		},
	}
	g := mustBuild(t, []graph.Vertex{{Alias: "solo", Def: def}}, nil)

	cfg := models.RunConfig{
		Nodes: map[string]models.NodeRunConfig{
			"solo": {Inputs: map[string]any{"limit": 99}},
		},
	}

	p, err := Compile(g, cfg)
	require.NoError(t, err)

	solo, _ := p.Step("solo")
	require.Len(t, solo.Bindings, 1)
	src := solo.Bindings[0].Sources[0]
	assert.Equal(t, BindingFromValue, src.Kind)
	assert.Equal(t, 99, src.Value)
}

func TestCompileDefaultUsedWithoutConfig(t *testing.T) {
	def := &models.NodeDefinition{
		Name: "solo",
		Inputs: []models.InputSpec{
			{Name: "limit", Type: models.TypeInt, Default: 10, HasDefault: true},
		},
	}
	g := mustBuild(t, []graph.Vertex{{Alias: "solo", Def: def}}, nil)

	p, err := Compile(g, models.RunConfig{})
	require.NoError(t, err)

	solo, _ := p.Step("solo")
	assert.Equal(t, 10, solo.Bindings[0].Sources[0].Value)
}

func TestCompileValidatesConfigSchema(t *testing.T) {
	def := &models.NodeDefinition{
		Name: "fetch",
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"url"},
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
		},
	}
	g := mustBuild(t, []graph.Vertex{{Alias: "fetch", Def: def}}, nil)

	_, err := Compile(g, models.RunConfig{
		Nodes: map[string]models.NodeRunConfig{
			"fetch": {Config: map[string]any{"url": 42}},
		},
	})

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "fetch", perr.Step)

	_, err = Compile(g, models.RunConfig{
		Nodes: map[string]models.NodeRunConfig{
			"fetch": {Config: map[string]any{"url": "https://example.com"}},
		},
	})
	require.NoError(t, err)
}

func TestCompileInvocationIndexPerDefinition(t *testing.T) {
	def := producerDef("produce")
	g := mustBuild(t,
		[]graph.Vertex{
			{Alias: "produce_a", Def: def},
			{Alias: "produce_b", Def: def},
		},
		nil,
	)

	p, err := Compile(g, models.RunConfig{})
	require.NoError(t, err)

	a, _ := p.Step("produce_a")
	b, _ := p.Step("produce_b")
	assert.Equal(t, "produce", a.DefName)
	assert.Equal(t, 0, a.Invocation)
	assert.Equal(t, 1, b.Invocation)
}

func TestCompileOrderEdgeProducesOrderDep(t *testing.T) {
	g := mustBuild(t,
		[]graph.Vertex{
			{Alias: "first", Def: producerDef("first")},
			{Alias: "second", Def: producerDef("second")},
		},
		[]models.Edge{models.OrderEdge("first", "second")},
	)

	p, err := Compile(g, models.RunConfig{})
	require.NoError(t, err)

	second, _ := p.Step("second")
	assert.Equal(t, []string{"first"}, second.Deps)
	assert.Equal(t, []string{"first"}, second.OrderDeps)
	assert.Empty(t, second.Bindings, "order edges bind no data")
}

func TestForStepsRequiresUpstreamClosure(t *testing.T) {
	g := mustBuild(t,
		[]graph.Vertex{
			{Alias: "produce", Def: producerDef("produce")},
			{Alias: "consume", Def: consumerDef("consume")},
		},
		[]models.Edge{models.DataEdge("produce", "val", "consume", "val")},
	)

	p, err := Compile(g, models.RunConfig{})
	require.NoError(t, err)

	_, err = p.ForSteps([]string{"consume"})
	var perr *Error
	require.ErrorAs(t, err, &perr)

	sub, err := p.ForSteps([]string{"produce"})
	require.NoError(t, err)
	assert.Equal(t, []string{"produce"}, stepKeys(sub))
	assert.Empty(t, sub.Downstream("produce"))

	full, err := p.ForSteps([]string{"produce", "consume"})
	require.NoError(t, err)
	assert.Equal(t, []string{"produce", "consume"}, stepKeys(full))
}

func TestResourceLimits(t *testing.T) {
	g := mustBuild(t, []graph.Vertex{{Alias: "produce", Def: producerDef("produce")}}, nil)

	p, err := Compile(g, models.RunConfig{
		Resources: map[string]models.ResourceConfig{
			"db":    {MaxConcurrent: 1},
			"cache": {MaxConcurrent: 0},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"db": 1}, p.ResourceLimits())

	rc, ok := p.ResourceConfig("db")
	require.True(t, ok)
	assert.Equal(t, 1, rc.MaxConcurrent)
}
