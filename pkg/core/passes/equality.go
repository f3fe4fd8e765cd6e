// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/gomlx/graphfuse/pkg/core/ops"
	"github.com/gomlx/graphfuse/pkg/core/pattern"
	"github.com/gomlx/graphfuse/pkg/support/sets"
)

// Equality folds 1 - ((a < b) + (b < a)) into a single Equal(a, b).
//
// Booleans are 0/1 values, so a == b is !(a < b) && !(b < a) = 1 - ((a < b) + (b < a)).
// Both comparisons must read a and b through the same views, and their sum must be read as is.
type Equality struct{}

var _ Compiler = Equality{}

type equalityPattern struct {
	one, lhs, rhs, lt1, lt2, ne, eq *pattern.Node
}

func newEqualityPattern() (p equalityPattern) {
	p.one, p.lhs, p.rhs = pattern.Constant(1), pattern.Any(), pattern.Any()
	p.lt1 = pattern.Binary[ops.LessThan](p.lhs, p.rhs)
	p.lt2 = pattern.Binary[ops.LessThan](p.rhs, p.lhs)
	p.ne = pattern.Binary[ops.Add](p.lt1, p.lt2)
	p.eq = pattern.Binary[ops.Sub](p.one, p.ne)
	return
}

// Compile implements Compiler.
func (c Equality) Compile(g *graph.Graph, pinned sets.Set[graph.NodeID]) error {
	_, err := c.compile(g, pinned)
	return err
}

func (Equality) compile(g *graph.Graph, pinned sets.Set[graph.NodeID]) (int, error) {
	const name = "Equality"
	p := newEqualityPattern()
	return searchAndRewrite(name, p.eq, g, pinned, func(m *pattern.Matcher) (bool, error) {
		if !isSafe(name, m, p.eq, p.ne, p.lt1, p.lt2) {
			return false, nil
		}
		es, err := edges(m,
			[2]*pattern.Node{p.lhs, p.lt1}, [2]*pattern.Node{p.rhs, p.lt1},
			[2]*pattern.Node{p.lhs, p.lt2}, [2]*pattern.Node{p.rhs, p.lt2},
			[2]*pattern.Node{p.lt1, p.ne}, [2]*pattern.Node{p.lt2, p.ne},
			[2]*pattern.Node{p.ne, p.eq}, [2]*pattern.Node{p.one, p.eq})
		if err != nil {
			return false, err
		}
		a1, b1, a2, b2 := es[0], es[1], es[2], es[3]
		if !a1.View.Equal(a2.View) || !b1.View.Equal(b2.View) {
			skipf(name, "the comparisons read a and b through different views")
			return false, nil
		}
		for _, e := range es[4:7] {
			if !isPlain(e.View) {
				skipf(name, "edge %s is not read as is", e)
				return false, nil
			}
		}
		if oneEdge := es[7]; oneEdge.View.IsPadded() {
			skipf(name, "1 is read through padded %s", oneEdge.View)
			return false, nil
		}
		_, err = replace(g, m, p.eq, ops.Equal{}, a1, b1)
		return err == nil, err
	})
}
