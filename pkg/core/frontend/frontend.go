// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package frontend builds graph.Graph computations from tensor expressions.
//
// A Tensor is a node of the graph plus the view through which it is read: view transformations
// (Expand, Pad, Slice, Permute) create no nodes, they only change the view that the consumers of
// the tensor are wired with. Operations create one node each, whose output is contiguous.
//
// Errors (mismatched shapes, tensors of different builders) are programming errors and panic,
// with an error that can be recovered with exceptions.TryCatch.
//
// Example:
//
//	b := frontend.New()
//	a, c := frontend.Input(b, "a", 3), frontend.Input(b, "c", 3)
//	b.Output("y", frontend.Minus(a, c))
//	err := passes.Run(b.Graph(), b.Pinned(), passes.Subtraction{})
package frontend

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/gomlx/graphfuse/pkg/core/ops"
	"github.com/gomlx/graphfuse/pkg/core/symbolic"
	"github.com/gomlx/graphfuse/pkg/core/views"
	"github.com/gomlx/graphfuse/pkg/support/sets"
	"github.com/pkg/errors"
)

// Builder holds the graph being built and its declared outputs.
type Builder struct {
	g       *graph.Graph
	outputs []graph.NodeID
}

// New returns a Builder of a new empty graph.
func New() *Builder {
	return &Builder{g: graph.New()}
}

// Graph returns the graph being built.
func (b *Builder) Graph() *graph.Graph { return b.g }

// Tensor is a node of the graph read through a view.
type Tensor struct {
	b    *Builder
	id   graph.NodeID
	view views.View
}

// ID of the graph node holding the tensor's value.
func (t Tensor) ID() graph.NodeID { return t.id }

// View through which the consumers of the tensor read the node's output.
func (t Tensor) View() views.View { return t.view }

// Shape returns the logical dimensions of the tensor.
func (t Tensor) Shape() []symbolic.Expr { return t.view.Shape() }

// Rank of the tensor.
func (t Tensor) Rank() int { return t.view.Rank() }

// Builder the tensor belongs to.
func (t Tensor) Builder() *Builder { return t.b }

// String implements fmt.Stringer.
func (t Tensor) String() string {
	if t.b == nil {
		return "Tensor(invalid)"
	}
	return t.b.g.Name(t.id) + t.id.String() + t.view.String()
}

// Output declares the tensor as an output of the computation, with the given name, and returns the
// id of the ops.Output node holding it.
//
// Output nodes are pinned (see Pinned) and are the ones to request from the executor: they
// survive rewrites of the nodes computing them.
func (b *Builder) Output(name string, t Tensor) graph.NodeID {
	validateBuildingFromInputs(t)
	if t.b != b {
		exceptions.Panicf("Output(%q): tensor %s belongs to a different builder", name, t)
	}
	id := b.newNode(ops.Output{Name: name}, t.Shape(), t).id
	b.outputs = append(b.outputs, id)
	return id
}

// Outputs returns the ids of the declared outputs, in the order they were declared.
func (b *Builder) Outputs() []graph.NodeID {
	return append([]graph.NodeID(nil), b.outputs...)
}

// Pinned returns the set of nodes referenced from outside the graph, to be given to the
// compilers: the declared outputs.
func (b *Builder) Pinned() sets.Set[graph.NodeID] {
	return sets.MakeWith(b.outputs...)
}

// validateBuildingFromInputs checks that all inputs belong to the same Builder, and returns it.
// It panics otherwise.
func validateBuildingFromInputs(inputs ...Tensor) (b *Builder) {
	if len(inputs) == 0 {
		exceptions.Panicf("no input tensors provided, at least one is required")
	}
	for ii, t := range inputs {
		if t.b == nil {
			exceptions.Panicf("input[%d] is an invalid (zero) Tensor", ii)
		}
		if !t.b.g.Has(t.id) {
			panic(errors.Wrapf(graph.ErrStaleNode, "input[%d] (%s) was removed from the graph", ii, t.id))
		}
		if b == nil {
			b = t.b
		} else if t.b != b {
			exceptions.Panicf("combining tensors from different builders not allowed: "+
				"input[0] graph is %q, input[%d] graph is %q", b.g.Tag(), ii, t.b.g.Tag())
		}
	}
	return
}

// newNode adds a node with op, wires the inputs with their views, and returns its tensor,
// read through a contiguous view of the given shape.
func (b *Builder) newNode(op graph.Operator, shape []symbolic.Expr, inputs ...Tensor) Tensor {
	id := b.g.AddNode(op)
	for slot, input := range inputs {
		if err := b.g.Wire(input.id, 0, id, slot, input.view); err != nil {
			panic(errors.WithMessagef(err, "wiring input #%d of %s", slot, graph.OpName(op)))
		}
	}
	return Tensor{b: b, id: id, view: views.MakeSymbolic(shape...)}
}
