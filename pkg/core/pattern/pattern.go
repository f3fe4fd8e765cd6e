// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pattern describes sub-graphs to search for in a graph.Graph, and finds them with a
// Matcher.
//
// A pattern is a small immutable tree (or DAG) of *Node built with the constructors Any,
// Constant, Op, Unary and Binary, for instance the "subtraction as addition of the negation":
//
//	lhs, rhs := pattern.Any(), pattern.Any()
//	neg := pattern.Binary[ops.Mul](rhs, pattern.Constant(-1))
//	sub := pattern.Binary[ops.Add](lhs, neg)
//
// Using the same *Node more than once in a pattern requires that all its uses bind to the same
// graph node.
//
// Patterns are independent of any graph and can be reused by any number of searches.
package pattern

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gomlx/graphfuse/pkg/core/graph"
)

type nodeKind int

const (
	kindAny nodeKind = iota
	kindConstant
	kindOp
)

// Node is a node of a pattern. Create it with one of the constructors.
type Node struct {
	kind nodeKind

	// value required for kindConstant.
	value float64

	// isOp checks the operator type for kindOp.
	isOp   func(op graph.Operator) bool
	opName string

	// inputs are matched positionally against the input slots of the graph node, unless
	// anyInputs is set.
	inputs    []*Node
	anyInputs bool
}

// Any returns a wildcard pattern node, that matches any graph node.
func Any() *Node {
	return &Node{kind: kindAny}
}

// Constant returns a pattern node that matches a literal (graph.Literal) with the given value.
func Constant(value float64) *Node {
	return &Node{kind: kindConstant, value: value}
}

func newOp[T graph.Operator](inputs []*Node, anyInputs bool) *Node {
	return &Node{
		kind: kindOp,
		isOp: func(op graph.Operator) bool {
			_, ok := op.(T)
			return ok
		},
		opName:    reflect.TypeFor[T]().Name(),
		inputs:    inputs,
		anyInputs: anyInputs,
	}
}

// Op returns a pattern node that matches any graph node whose operator has type T, regardless
// of its inputs.
func Op[T graph.Operator]() *Node {
	return newOp[T](nil, true)
}

// Unary returns a pattern node that matches a graph node whose operator has type T and whose
// single input is matched by x.
func Unary[T graph.Operator](x *Node) *Node {
	return newOp[T]([]*Node{x}, false)
}

// Binary returns a pattern node that matches a graph node whose operator has type T and whose
// two inputs are matched by lhs and rhs, in this order.
func Binary[T graph.Operator](lhs, rhs *Node) *Node {
	return newOp[T]([]*Node{lhs, rhs}, false)
}

// IsWildcard returns whether the node was created with Any.
func (p *Node) IsWildcard() bool { return p.kind == kindAny }

// Inputs returns the pattern nodes matched against the inputs.
func (p *Node) Inputs() []*Node { return p.inputs }

// String implements fmt.Stringer.
func (p *Node) String() string {
	switch p.kind {
	case kindAny:
		return "Any"
	case kindConstant:
		return fmt.Sprintf("Constant(%g)", p.value)
	}
	if p.anyInputs {
		return p.opName + "(...)"
	}
	parts := make([]string, len(p.inputs))
	for ii, input := range p.inputs {
		parts[ii] = input.String()
	}
	return p.opName + "(" + strings.Join(parts, ", ") + ")"
}

// nodes returns all the nodes of the pattern rooted at p, each once, parents before children.
func (p *Node) nodes() []*Node {
	var all []*Node
	seen := make(map[*Node]bool)
	var visit func(n *Node)
	visit = func(n *Node) {
		if seen[n] {
			return
		}
		seen[n] = true
		all = append(all, n)
		for _, input := range n.inputs {
			visit(input)
		}
	}
	visit(p)
	return all
}
