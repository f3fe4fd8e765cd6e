// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/gomlx/graphfuse/pkg/core/ops"
	"github.com/gomlx/graphfuse/pkg/core/pattern"
	"github.com/gomlx/graphfuse/pkg/core/symbolic"
	"github.com/gomlx/graphfuse/pkg/core/views"
	"github.com/gomlx/graphfuse/pkg/support/sets"
)

// Gather folds the one-hot embedding lookup
//
//	SumReduce(Equal(indices, ARange(vocab)) * table, axis=1)
//
// with the operands of the Equal in either order, into a single Gather(indices, table),
// replacing a O(vocab * embed_dim) reduction per index with a direct O(embed_dim) copy.
//
// The multiplication must have shape [numIndices, vocab, embed_dim], with indices broadcast
// over the vocab axis, the arange over the indices axis, the one-hot over the embedding axis and
// the table over the indices axis. The embed_dim of the Gather is read from the last axis of the
// table's view into the multiplication: matches where it is not yet known (a symbolic
// dimension) are left for later.
type Gather struct{}

var _ Compiler = Gather{}

type gatherPattern struct {
	indices, arange, eq, table, mul, sum *pattern.Node
}

func newGatherPattern(arangeFirst bool) (p gatherPattern) {
	p.indices, p.arange, p.table = pattern.Any(), pattern.Op[ops.ARange](), pattern.Any()
	if arangeFirst {
		p.eq = pattern.Binary[ops.Equal](p.arange, p.indices)
	} else {
		p.eq = pattern.Binary[ops.Equal](p.indices, p.arange)
	}
	p.mul = pattern.Binary[ops.Mul](p.eq, p.table)
	p.sum = pattern.Unary[ops.SumReduce](p.mul)
	return
}

// Compile implements Compiler.
func (c Gather) Compile(g *graph.Graph, pinned sets.Set[graph.NodeID]) error {
	_, err := c.compile(g, pinned)
	return err
}

// unbroadcast removes the broadcast axis of a view of the given rank, and requires the result to
// be read as is.
func unbroadcast(v views.View, rank, axis int) (views.View, bool) {
	if v.Rank() != rank {
		return views.View{}, false
	}
	removed, err := v.RemoveBroadcastAxis(axis)
	if err != nil || !isPlain(removed) {
		return views.View{}, false
	}
	return removed, true
}

func (c Gather) compile(g *graph.Graph, pinned sets.Set[graph.NodeID]) (int, error) {
	var count int
	for _, arangeFirst := range []bool{false, true} {
		n, err := c.compileOrder(g, pinned, arangeFirst)
		count += n
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

// compileOrder folds the matches with the ARange as the first or second operand of the Equal.
// The views of the operands don't depend on their order.
func (Gather) compileOrder(g *graph.Graph, pinned sets.Set[graph.NodeID], arangeFirst bool) (int, error) {
	const name = "Gather"
	p := newGatherPattern(arangeFirst)
	return searchAndRewrite(name, p.sum, g, pinned, func(m *pattern.Matcher) (bool, error) {
		if !isSafe(name, m, p.sum, p.mul, p.eq) {
			return false, nil
		}
		es, err := edges(m,
			[2]*pattern.Node{p.indices, p.eq}, [2]*pattern.Node{p.arange, p.eq},
			[2]*pattern.Node{p.eq, p.mul}, [2]*pattern.Node{p.table, p.mul},
			[2]*pattern.Node{p.mul, p.sum})
		if err != nil {
			return false, err
		}
		indicesEdge, arangeEdge, oneHotEdge, tableEdge, mulEdge := es[0], es[1], es[2], es[3], es[4]

		sum := g.Operator(m.Resolve(p.sum)).(ops.SumReduce)
		if mulEdge.View.Rank() != 3 || !isPlain(mulEdge.View) || sum.Axis != 1 {
			skipf(name, "reduction of axis %d of %s", sum.Axis, mulEdge.View)
			return false, nil
		}
		if _, ok := unbroadcast(oneHotEdge.View, 3, 2); !ok {
			skipf(name, "one-hot read through %s", oneHotEdge.View)
			return false, nil
		}
		tableView, ok := unbroadcast(tableEdge.View, 3, 0)
		if !ok {
			skipf(name, "table read through %s", tableEdge.View)
			return false, nil
		}
		indicesView, ok := unbroadcast(indicesEdge.View, 2, 1)
		if !ok {
			skipf(name, "indices read through %s", indicesEdge.View)
			return false, nil
		}
		arangeView, ok := unbroadcast(arangeEdge.View, 2, 0)
		if !ok {
			skipf(name, "arange read through %s", arangeEdge.View)
			return false, nil
		}
		arange := g.Operator(m.Resolve(p.arange)).(ops.ARange)
		if !symbolic.Equal(arangeView.ElementCount(), symbolic.Const(arange.Length)) ||
			!symbolic.Equal(arangeView.ElementCount(), tableView.Shape()[0]) {
			skipf(name, "arange of length %d doesn't cover the vocabulary of %s", arange.Length, tableView)
			return false, nil
		}
		embedDim, ok := symbolic.AsConst(tableEdge.View.Shape()[2])
		if !ok || embedDim <= 0 {
			skipf(name, "embed_dim %s is not known", tableEdge.View.Shape()[2])
			return false, nil
		}

		indicesEdge.View, tableEdge.View = indicesView, tableView
		_, err = replace(g, m, p.sum, ops.Gather{EmbedDim: embedDim}, indicesEdge, tableEdge)
		return err == nil, err
	})
}
