package graph_test

import (
	"context"
	"testing"

	"github.com/nichtich/ukv/arena"
	"github.com/nichtich/ukv/graph"
	"github.com/nichtich/ukv/storage/engine"
	"github.com/nichtich/ukv/storage/kv/plugins/memory"
	"github.com/stretchr/testify/require"
)

func newGraph(t *testing.T) (*graph.Graph, *engine.Engine) {
	t.Helper()

	e := engine.New(memory.New(), nil)

	t.Cleanup(func() { e.Close() })

	col, err := e.CreateCollection("graph")
	require.NoError(t, err)

	return graph.New(e, col, nil), e
}

func triangle() []graph.Edge {
	return []graph.Edge{
		{Source: 1, Target: 2, ID: 9},
		{Source: 2, Target: 3, ID: 10},
		{Source: 3, Target: 1, ID: 11},
	}
}

func TestTriangleScenario(t *testing.T) {
	g, _ := newGraph(t)
	ctx := context.Background()
	a := arena.New()

	require.NoError(t, g.UpsertEdges(ctx, nil, a, triangle()))

	degree, err := g.Degree(ctx, nil, a, 1, graph.Any)
	require.NoError(t, err)
	require.Equal(t, 2, degree)

	outDegree, err := g.Degree(ctx, nil, a, 1, graph.Out)
	require.NoError(t, err)
	require.Equal(t, 1, outDegree)

	all, err := g.AllEdges(ctx, nil, a)
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Remove one edge: the vertices stay.
	require.NoError(t, g.RemoveEdges(ctx, nil, a, []graph.Edge{{Source: 1, Target: 2, ID: 9}}))

	between, err := g.EdgesBetween(ctx, nil, a, 1, 2)
	require.NoError(t, err)
	require.Empty(t, between)

	contains, err := g.Contains(ctx, nil, a, 1)
	require.NoError(t, err)
	require.True(t, contains)

	// Put it back, then remove vertex 2 entirely.
	require.NoError(t, g.UpsertEdges(ctx, nil, a, []graph.Edge{{Source: 1, Target: 2, ID: 9}}))
	require.NoError(t, g.RemoveVertices(ctx, nil, a, []int64{2}))

	contains, err = g.Contains(ctx, nil, a, 2)
	require.NoError(t, err)
	require.False(t, contains)

	edges, err := g.Edges(ctx, nil, a, 2, graph.Any)
	require.NoError(t, err)
	require.Empty(t, edges)

	// No dangling mirrors at the surviving vertices.
	neighbors, err := g.Neighbors(ctx, nil, a, 1, graph.Any)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, neighbors)

	// Restoring the triangle brings vertex 2 back with degree 2.
	require.NoError(t, g.UpsertEdges(ctx, nil, a, triangle()))

	degree, err = g.Degree(ctx, nil, a, 2, graph.Any)
	require.NoError(t, err)
	require.Equal(t, 2, degree)
}

func TestUpsertThenRemoveRestoresPreState(t *testing.T) {
	g, _ := newGraph(t)
	ctx := context.Background()
	a := arena.New()

	edges := []graph.Edge{
		{Source: 10, Target: 20, ID: 1},
		{Source: 20, Target: 30, ID: graph.EdgeAnon},
		{Source: 10, Target: 30, ID: 2, Undirected: true},
	}

	require.NoError(t, g.UpsertEdges(ctx, nil, a, edges))
	require.NoError(t, g.RemoveEdges(ctx, nil, a, edges))

	for _, v := range []int64{10, 20, 30} {
		degree, err := g.Degree(ctx, nil, a, v, graph.Any)
		require.NoError(t, err)
		require.Zero(t, degree)
	}

	all, err := g.AllEdges(ctx, nil, a)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestUpsertIsIdempotent(t *testing.T) {
	g, _ := newGraph(t)
	ctx := context.Background()
	a := arena.New()

	edge := []graph.Edge{{Source: 1, Target: 2, ID: 5}}

	require.NoError(t, g.UpsertEdges(ctx, nil, a, edge))
	require.NoError(t, g.UpsertEdges(ctx, nil, a, edge))

	degree, err := g.Degree(ctx, nil, a, 1, graph.Any)
	require.NoError(t, err)
	require.Equal(t, 1, degree)
}

func TestUndirectedEdgesMatchBothDirections(t *testing.T) {
	g, _ := newGraph(t)
	ctx := context.Background()
	a := arena.New()

	require.NoError(t, g.UpsertEdges(ctx, nil, a, []graph.Edge{
		{Source: 1, Target: 2, ID: 7, Undirected: true},
	}))

	out, err := g.Degree(ctx, nil, a, 1, graph.Out)
	require.NoError(t, err)
	require.Equal(t, 1, out)

	in, err := g.Degree(ctx, nil, a, 1, graph.In)
	require.NoError(t, err)
	require.Equal(t, 1, in)

	// The undirected edge appears exactly once in a full scan, at its
	// lower endpoint.
	all, err := g.AllEdges(ctx, nil, a)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, int64(1), all[0].Source)
	require.True(t, all[0].Undirected)
}

func TestParallelEdgesWithDistinctIDs(t *testing.T) {
	g, _ := newGraph(t)
	ctx := context.Background()
	a := arena.New()

	require.NoError(t, g.UpsertEdges(ctx, nil, a, []graph.Edge{
		{Source: 1, Target: 2, ID: 100},
		{Source: 1, Target: 2, ID: 200},
	}))

	between, err := g.EdgesBetween(ctx, nil, a, 1, 2)
	require.NoError(t, err)
	require.Len(t, between, 2)

	// Removing one by id keeps the other.
	require.NoError(t, g.RemoveEdges(ctx, nil, a, []graph.Edge{{Source: 1, Target: 2, ID: 100}}))

	between, err = g.EdgesBetween(ctx, nil, a, 1, 2)
	require.NoError(t, err)
	require.Len(t, between, 1)
	require.Equal(t, int64(200), between[0].ID)
}

func TestVerticesAscending(t *testing.T) {
	g, _ := newGraph(t)
	ctx := context.Background()
	a := arena.New()

	require.NoError(t, g.UpsertEdges(ctx, nil, a, []graph.Edge{
		{Source: 30, Target: 10, ID: 1},
		{Source: 20, Target: 30, ID: 2},
	}))

	vertices, err := g.Vertices(ctx, nil, a)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 20, 30}, vertices)
}

func TestGraphOperationsInsideTransaction(t *testing.T) {
	g, e := newGraph(t)
	ctx := context.Background()
	a := arena.New()

	txn, err := e.Begin()
	require.NoError(t, err)

	require.NoError(t, g.UpsertEdges(ctx, txn, a, triangle()))

	// Visible inside the transaction, invisible outside.
	inside, err := g.Degree(ctx, txn, a, 1, graph.Any)
	require.NoError(t, err)
	require.Equal(t, 2, inside)

	outside, err := g.Degree(ctx, nil, arena.New(), 1, graph.Any)
	require.NoError(t, err)
	require.Zero(t, outside)

	require.NoError(t, txn.Commit())

	after, err := g.Degree(ctx, nil, arena.New(), 1, graph.Any)
	require.NoError(t, err)
	require.Equal(t, 2, after)
}

func TestSelfLoop(t *testing.T) {
	g, _ := newGraph(t)
	ctx := context.Background()
	a := arena.New()

	require.NoError(t, g.UpsertEdges(ctx, nil, a, []graph.Edge{{Source: 5, Target: 5, ID: 1}}))

	all, err := g.AllEdges(ctx, nil, a)
	require.NoError(t, err)
	require.Len(t, all, 1)

	degree, err := g.Degree(ctx, nil, a, 5, graph.Any)
	require.NoError(t, err)
	require.Equal(t, 2, degree)

	require.NoError(t, g.RemoveVertices(ctx, nil, a, []int64{5}))

	contains, err := g.Contains(ctx, nil, a, 5)
	require.NoError(t, err)
	require.False(t, contains)
}
