// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/gomlx/graphfuse/pkg/core/ops"
	"github.com/gomlx/graphfuse/pkg/core/views"
	"github.com/gomlx/graphfuse/pkg/support/sets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vec3 = views.Make(3)

// negation is the pattern lhs + rhs * -1.
type negation struct {
	lhs, rhs, minusOne, mul, add *Node
}

func newNegation() negation {
	var p negation
	p.lhs, p.rhs, p.minusOne = Any(), Any(), Constant(-1)
	p.mul = Binary[ops.Mul](p.rhs, p.minusOne)
	p.add = Binary[ops.Add](p.lhs, p.mul)
	return p
}

type testGraph struct {
	*graph.Graph
	t *testing.T
}

func (g testGraph) node(op graph.Operator, inputs ...graph.NodeID) graph.NodeID {
	id := g.AddNode(op)
	for slot, input := range inputs {
		view := vec3
		if _, isConstant := g.Operator(input).(ops.Constant); isConstant {
			view = views.Make().Expand(0, 3)
		}
		require.NoError(g.t, g.Wire(input, 0, id, slot, view))
	}
	return id
}

// buildMinus builds a + b * -1, returning the ids of a, b, the constant, the multiplication and
// the addition.
func buildMinus(t *testing.T) (g testGraph, a, b, c, mul, add graph.NodeID) {
	g = testGraph{graph.New(), t}
	a = g.node(ops.Input{Name: "a"})
	b = g.node(ops.Input{Name: "b"})
	c = g.node(ops.Constant{Value: -1})
	mul = g.node(ops.Mul{}, b, c)
	add = g.node(ops.Add{}, a, mul)
	return
}

func TestString(t *testing.T) {
	p := newNegation()
	assert.Equal(t, "Add(Any, Mul(Any, Constant(-1)))", p.add.String())
	assert.Equal(t, "ARange(...)", Op[ops.ARange]().String())
	assert.Equal(t, "Sqrt(Any)", Unary[ops.Sqrt](Any()).String())
	assert.True(t, p.lhs.IsWildcard())
	assert.False(t, p.add.IsWildcard())
	assert.Len(t, p.add.nodes(), 5)
}

func TestMatch(t *testing.T) {
	g, a, b, c, mul, add := buildMinus(t)
	p := newNegation()
	m := Search(p.add, g.Graph, nil)
	assert.Equal(t, Searching, m.State())
	require.True(t, m.Next())
	assert.Equal(t, ProducedMatch, m.State())
	assert.Equal(t, add, m.Resolve(p.add))
	assert.Equal(t, mul, m.Resolve(p.mul))
	assert.Equal(t, a, m.Resolve(p.lhs))
	assert.Equal(t, b, m.Resolve(p.rhs))
	assert.Equal(t, c, m.Resolve(p.minusOne))
	assert.Len(t, m.Match(), 5)

	e, err := m.Edge(p.mul, p.add)
	require.NoError(t, err)
	assert.Equal(t, 1, e.InputSlot)
	assert.Equal(t, mul, e.Producer)

	assert.False(t, m.Next())
	assert.Equal(t, Exhausted, m.State())
	assert.False(t, m.Next())
	assert.Panics(t, func() { m.Resolve(p.add) })
}

func TestNoMatch(t *testing.T) {
	g, _, _, _, _, _ := buildMinus(t)

	// Wrong constant.
	mul := Binary[ops.Mul](Any(), Constant(2))
	m := Search(mul, g.Graph, nil)
	assert.False(t, m.Next())
	assert.Equal(t, Exhausted, m.State())

	// Inputs are positional.
	swapped := Binary[ops.Mul](Constant(-1), Any())
	assert.False(t, Search(swapped, g.Graph, nil).Next())

	// Unary requires exactly one input.
	assert.False(t, Search(Unary[ops.Mul](Any()), g.Graph, nil).Next())

	// Op matches regardless of the inputs.
	m = Search(Op[ops.Mul](), g.Graph, nil)
	assert.True(t, m.Next())
	assert.False(t, m.Next())
}

func TestSharedPatternNode(t *testing.T) {
	g := testGraph{graph.New(), t}
	x := g.node(ops.Input{Name: "x"})
	y := g.node(ops.Input{Name: "y"})
	square := g.node(ops.Mul{}, x, x)
	_ = g.node(ops.Mul{}, x, y)

	operand := Any()
	p := Binary[ops.Mul](operand, operand)
	m := Search(p, g.Graph, nil)
	require.True(t, m.Next())
	assert.Equal(t, square, m.Resolve(p))
	assert.Equal(t, x, m.Resolve(operand))
	assert.False(t, m.Next(), "x*y must not match x*x")
}

func TestCanDelete(t *testing.T) {
	g, _, _, _, mul, _ := buildMinus(t)
	p := newNegation()

	m := Search(p.add, g.Graph, nil)
	require.True(t, m.Next())
	assert.True(t, m.CanDelete(p.mul))
	assert.False(t, m.IsPinned(p.mul, p.add))

	// A consumer outside the match makes the multiplication undeletable.
	external := g.node(ops.Sqrt{}, mul)
	m = Search(p.add, g.Graph, nil)
	require.True(t, m.Next())
	assert.False(t, m.CanDelete(p.mul))

	// Pinned nodes cannot be deleted.
	require.NoError(t, g.RemoveNode(external))
	m = Search(p.add, g.Graph, sets.MakeWith(mul))
	require.True(t, m.Next())
	assert.True(t, m.IsPinned(p.mul))
	assert.False(t, m.CanDelete(p.mul))
}

func TestDeleteMatched(t *testing.T) {
	g, a, b, c, mul, add := buildMinus(t)
	p := newNegation()
	out := g.node(ops.Sqrt{}, add)

	m := Search(p.add, g.Graph, nil)
	require.True(t, m.Next())
	sub := g.node(ops.Sub{}, a, b)
	require.NoError(t, g.MoveOutgoingEdges(add, sub))
	assert.Equal(t, 3, m.DeleteMatched())
	assert.False(t, g.Has(add))
	assert.False(t, g.Has(mul))
	assert.False(t, g.Has(c))
	assert.True(t, g.Has(a), "wildcards are never deleted")
	assert.True(t, g.Has(b), "wildcards are never deleted")
	assert.Equal(t, []graph.NodeID{sub}, g.Consumers(a))
	assert.Equal(t, []graph.NodeID{out}, g.Consumers(sub))
	require.NoError(t, g.Validate())
}

func TestDeleteMatchedKeepsShared(t *testing.T) {
	g, a, b, c, mul, add := buildMinus(t)
	p := newNegation()
	// The constant feeds another node: it survives the deletion.
	other := g.node(ops.Mul{}, a, c)

	m := Search(p.add, g.Graph, sets.MakeWith(mul))
	require.True(t, m.Next())
	sub := g.node(ops.Sub{}, a, b)
	require.NoError(t, g.MoveOutgoingEdges(add, sub))
	assert.Equal(t, 1, m.DeleteMatched(), "only the addition is removed: mul is pinned")
	assert.True(t, g.Has(mul))
	assert.True(t, g.Has(c))
	assert.True(t, g.Has(other))
}

func TestInvalidate(t *testing.T) {
	g := testGraph{graph.New(), t}
	x := g.node(ops.Input{Name: "x"})
	minusOne := g.node(ops.Constant{Value: -1})
	neg := g.node(ops.Mul{}, x, minusOne)
	add1 := g.node(ops.Add{}, x, neg)
	add2 := g.node(ops.Add{}, neg, neg)

	p := newNegation()
	m := Search(p.add, g.Graph, nil)
	require.True(t, m.Next())
	assert.Equal(t, add1, m.Resolve(p.add))

	// Mutating the graph without invalidating makes Next panic.
	_ = g.node(ops.Sqrt{}, add1)
	err := exceptions.TryCatch[error](func() { m.Next() })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalidate")

	// After invalidation, the search continues: add1 is not yielded again.
	m.Invalidate()
	assert.Equal(t, Invalidated, m.State())
	require.True(t, m.Next())
	assert.Equal(t, add2, m.Resolve(p.add))
	assert.Equal(t, neg, m.Resolve(p.lhs))
	m.Invalidate()
	assert.False(t, m.Next())
}

func TestCache(t *testing.T) {
	g := testGraph{graph.New(), t}
	x := g.node(ops.Input{Name: "x"})
	minusOne := g.node(ops.Constant{Value: -1})
	neg := g.node(ops.Mul{}, x, minusOne)
	for range 4 {
		_ = g.node(ops.Add{}, x, neg)
	}
	p := newNegation()
	m := Search(p.add, g.Graph, nil)
	count := 0
	for m.Next() {
		count++
	}
	assert.Equal(t, 4, count)
	lookups, hits := m.CacheStats()
	assert.Greater(t, lookups, 0)
	// The sub-match of neg is computed once and reused by the other 3 roots.
	assert.GreaterOrEqual(t, hits, 3)
}
