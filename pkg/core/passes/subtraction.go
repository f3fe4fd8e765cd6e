// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/gomlx/graphfuse/pkg/core/ops"
	"github.com/gomlx/graphfuse/pkg/core/pattern"
	"github.com/gomlx/graphfuse/pkg/support/sets"
)

// Subtraction folds a + (b * -1) into a single Sub(a, b).
//
// The view through which the addition reads b * -1 must be contiguous, unsliced and unpadded,
// and the constant must not be read through padding: otherwise b and the addition don't see
// the same positions.
type Subtraction struct{}

var _ Compiler = Subtraction{}

type subtractionPattern struct {
	lhs, rhs, minusOne, mul, add *pattern.Node
}

func newSubtractionPattern() (p subtractionPattern) {
	p.lhs, p.rhs, p.minusOne = pattern.Any(), pattern.Any(), pattern.Constant(-1)
	p.mul = pattern.Binary[ops.Mul](p.rhs, p.minusOne)
	p.add = pattern.Binary[ops.Add](p.lhs, p.mul)
	return
}

// Compile implements Compiler.
func (c Subtraction) Compile(g *graph.Graph, pinned sets.Set[graph.NodeID]) error {
	_, err := c.compile(g, pinned)
	return err
}

func (Subtraction) compile(g *graph.Graph, pinned sets.Set[graph.NodeID]) (int, error) {
	const name = "Subtraction"
	p := newSubtractionPattern()
	return searchAndRewrite(name, p.add, g, pinned, func(m *pattern.Matcher) (bool, error) {
		if !isSafe(name, m, p.add, p.mul) {
			return false, nil
		}
		es, err := edges(m, [2]*pattern.Node{p.lhs, p.add}, [2]*pattern.Node{p.rhs, p.mul},
			[2]*pattern.Node{p.mul, p.add}, [2]*pattern.Node{p.minusOne, p.mul})
		if err != nil {
			return false, err
		}
		aEdge, bEdge, negEdge, constEdge := es[0], es[1], es[2], es[3]
		if !isPlain(negEdge.View) {
			skipf(name, "b*-1 is read through %s", negEdge.View)
			return false, nil
		}
		if constEdge.View.IsPadded() {
			skipf(name, "-1 is read through padded %s", constEdge.View)
			return false, nil
		}
		_, err = replace(g, m, p.add, ops.Sub{}, aEdge, bEdge)
		return err == nil, err
	})
}
