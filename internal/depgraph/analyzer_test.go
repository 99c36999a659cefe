package depgraph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/depgraph"
)

func deps(t *testing.T, specs ...string) []depgraph.Dependency {
	t.Helper()
	out := make([]depgraph.Dependency, 0, len(specs))
	for _, s := range specs {
		d, err := depgraph.ParseDependency(s)
		require.NoError(t, err)
		out = append(out, d)
	}
	return out
}

func TestTwoNodeCycleReportedOnceWithStablePath(t *testing.T) {
	nodes := []depgraph.Node{
		{ID: "a", DependsOn: deps(t, "b")},
		{ID: "b", DependsOn: deps(t, "a")},
	}
	var first []string
	for i := 0; i < 20; i++ {
		rep := depgraph.Analyzer{}.Analyze(nodes)
		require.Len(t, rep.Cycles, 1)
		if first == nil {
			first = rep.Cycles[0].Path
		}
		assert.Equal(t, first, rep.Cycles[0].Path)
	}
	assert.Equal(t, []string{"a", "b"}, first)
}

func TestPathStartsAtFirstDeclaredMember(t *testing.T) {
	nodes := []depgraph.Node{
		{ID: "gateway"},
		{ID: "billing", DependsOn: deps(t, "ledger")},
		{ID: "ledger", DependsOn: deps(t, "notify")},
		{ID: "notify", DependsOn: deps(t, "billing")},
	}
	rep := depgraph.Analyzer{}.Analyze(nodes)
	require.Len(t, rep.Cycles, 1)
	assert.Equal(t, []string{"billing", "ledger", "notify"}, rep.Cycles[0].Path)
	assert.Equal(t, "billing -> ledger -> notify -> billing", rep.Cycles[0].String())
}

func TestPathFollowsRealEdges(t *testing.T) {
	nodes := []depgraph.Node{
		{ID: "a", DependsOn: deps(t, "b", "c")},
		{ID: "b", DependsOn: deps(t, "a")},
		{ID: "c", DependsOn: deps(t, "a")},
	}
	rep := depgraph.Analyzer{}.Analyze(nodes)
	require.Len(t, rep.Cycles, 1)
	c := rep.Cycles[0]
	assert.Equal(t, []string{"a", "b", "c"}, c.Members)
	assert.Equal(t, []string{"a", "b"}, c.Path)
	assert.Equal(t, "a -> b -> a", c.String())

	g := depgraph.NewGraph(nodes)
	closed := append(append([]string(nil), c.Path...), c.Path[0])
	for i := 0; i+1 < len(closed); i++ {
		assert.True(t, hasEdge(g, closed[i], closed[i+1]), "%s -> %s is not an edge", closed[i], closed[i+1])
	}
}

func TestPathBacktracksOutOfDeadEnds(t *testing.T) {
	nodes := []depgraph.Node{
		{ID: "a", DependsOn: deps(t, "b")},
		{ID: "b", DependsOn: deps(t, "c", "d")},
		{ID: "c", DependsOn: deps(t, "b")},
		{ID: "d", DependsOn: deps(t, "a")},
	}
	rep := depgraph.Analyzer{}.Analyze(nodes)
	require.Len(t, rep.Cycles, 1)
	assert.Equal(t, []string{"a", "b", "d"}, rep.Cycles[0].Path)
	assert.Equal(t, []string{"a", "b", "c", "d"}, rep.Cycles[0].Members)
}

func hasEdge(g *depgraph.Graph, from, to string) bool {
	for _, e := range g.Edges(from) {
		if e.To == to {
			return true
		}
	}
	return false
}

func TestSelfLoopIsACycle(t *testing.T) {
	rep := depgraph.Analyzer{}.Analyze([]depgraph.Node{{ID: "a", DependsOn: deps(t, "a")}})
	require.Len(t, rep.Cycles, 1)
	assert.Equal(t, []string{"a"}, rep.Cycles[0].Path)
	assert.Equal(t, depgraph.Low, rep.Cycles[0].Severity)
	assert.Equal(t, depgraph.Merge, rep.Cycles[0].Strategy)
}

func TestAcyclicGraphHasNoCycles(t *testing.T) {
	nodes := []depgraph.Node{
		{ID: "api", DependsOn: deps(t, "store", "auth")},
		{ID: "auth", DependsOn: deps(t, "store")},
		{ID: "store"},
	}
	rep := depgraph.Analyzer{}.Analyze(nodes)
	assert.Empty(t, rep.Cycles)
	order, err := depgraph.Order(nodes)
	require.NoError(t, err)
	assert.Equal(t, []string{"store", "auth", "api"}, order)
}

func TestOrderRejectsCycles(t *testing.T) {
	_, err := depgraph.Order([]depgraph.Node{
		{ID: "a", DependsOn: deps(t, "b")},
		{ID: "b", DependsOn: deps(t, "a")},
	})
	assert.ErrorIs(t, err, depgraph.ErrCyclic)
}

func TestMultipleCyclesOrderedByDeclaration(t *testing.T) {
	nodes := []depgraph.Node{
		{ID: "x", DependsOn: deps(t, "y")},
		{ID: "p", DependsOn: deps(t, "q")},
		{ID: "q", DependsOn: deps(t, "p")},
		{ID: "y", DependsOn: deps(t, "x")},
	}
	rep := depgraph.Analyzer{}.Analyze(nodes)
	require.Len(t, rep.Cycles, 2)
	assert.Equal(t, []string{"x", "y"}, rep.Cycles[0].Path)
	assert.Equal(t, []string{"p", "q"}, rep.Cycles[1].Path)
}

func TestMissingDependenciesReported(t *testing.T) {
	rep := depgraph.Analyzer{}.Analyze([]depgraph.Node{{ID: "a", DependsOn: deps(t, "ghost")}})
	assert.Empty(t, rep.Cycles)
	assert.Equal(t, []depgraph.MissingDependency{{From: "a", To: "ghost"}}, rep.Missing)
}

func TestDefaultPolicy(t *testing.T) {
	tests := []struct {
		name     string
		nodes    []depgraph.Node
		severity depgraph.Severity
		strategy depgraph.Strategy
	}{
		{
			name: "spans bounded contexts",
			nodes: []depgraph.Node{
				{ID: "orders", Context: "sales", DependsOn: deps(t, "invoices:data")},
				{ID: "invoices", Context: "finance", DependsOn: deps(t, "orders:data")},
			},
			severity: depgraph.Critical,
			strategy: depgraph.ExtractInterface,
		},
		{
			name: "synchronous coupling",
			nodes: []depgraph.Node{
				{ID: "a", DependsOn: deps(t, "b")},
				{ID: "b", DependsOn: deps(t, "a")},
			},
			severity: depgraph.High,
			strategy: depgraph.ExtractInterface,
		},
		{
			name: "events only",
			nodes: []depgraph.Node{
				{ID: "a", DependsOn: deps(t, "b:event")},
				{ID: "b", DependsOn: deps(t, "a:event")},
			},
			severity: depgraph.Medium,
			strategy: depgraph.UseEvents,
		},
		{
			name: "shared state",
			nodes: []depgraph.Node{
				{ID: "a", DependsOn: deps(t, "b:state")},
				{ID: "b", DependsOn: deps(t, "c")},
				{ID: "c", DependsOn: deps(t, "a")},
			},
			severity: depgraph.High,
			strategy: depgraph.ExtractSharedModule,
		},
		{
			name: "contained in one context",
			nodes: []depgraph.Node{
				{ID: "a", Context: "core", DependsOn: deps(t, "b")},
				{ID: "b", Context: "core", DependsOn: deps(t, "a")},
			},
			severity: depgraph.Low,
			strategy: depgraph.Merge,
		},
		{
			name: "long cycle",
			nodes: []depgraph.Node{
				{ID: "a", DependsOn: deps(t, "b")},
				{ID: "b", DependsOn: deps(t, "c")},
				{ID: "c", DependsOn: deps(t, "d")},
				{ID: "d", DependsOn: deps(t, "a")},
			},
			severity: depgraph.High,
			strategy: depgraph.UseEvents,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := depgraph.Analyzer{}.Analyze(tt.nodes)
			require.Len(t, rep.Cycles, 1)
			assert.Equal(t, tt.severity, rep.Cycles[0].Severity)
			assert.Equal(t, tt.strategy, rep.Cycles[0].Strategy)
		})
	}
}

func TestPolicyIsSwappable(t *testing.T) {
	a := depgraph.Analyzer{Policy: depgraph.PolicyFunc(func(c depgraph.Cycle, g *depgraph.Graph) (depgraph.Severity, depgraph.Strategy) {
		return depgraph.Critical, depgraph.Merge
	})}
	rep := a.Analyze([]depgraph.Node{
		{ID: "a", DependsOn: deps(t, "b:event")},
		{ID: "b", DependsOn: deps(t, "a:event")},
	})
	require.Len(t, rep.Blocking(), 1)
	assert.Empty(t, rep.Advisories())
}

func TestParseDependency(t *testing.T) {
	d, err := depgraph.ParseDependency("store:DATA")
	require.NoError(t, err)
	assert.Equal(t, depgraph.Dependency{Target: "store", Kind: depgraph.Data}, d)
	assert.Equal(t, "store:data", d.String())

	_, err = depgraph.ParseDependency("store:rpc")
	assert.Error(t, err)
	_, err = depgraph.ParseDependency(":event")
	assert.Error(t, err)
}
