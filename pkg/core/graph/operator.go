// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"reflect"

	"github.com/gomlx/graphfuse/pkg/core/buffers"
	"github.com/gomlx/graphfuse/pkg/core/views"
)

// Input is one resolved input of an operator: the producer's buffer and the view through which
// the consumer reads it.
type Input struct {
	Buffer *buffers.Buffer
	View   views.View
}

// Operator is implemented by every node of the graph.
//
// Process must be pure: the outputs are fully determined by the operator's construction-time
// parameters and its inputs. Operators hold no graph structure and may be called concurrently
// for distinct nodes.
//
// Inputs are given in input-slot order. Positions of an input view that are not valid (padding)
// must be read as 0 and never dereferenced.
type Operator interface {
	Process(inputs []Input) ([]*buffers.Buffer, error)
}

// Literal is implemented by operators that produce a constant scalar value, so pattern matching
// can compare it with the value a pattern requires.
type Literal interface {
	Operator
	LiteralValue() float64
}

// Namer can be implemented by operators to give their name in diagnostics.
// Otherwise, the name of the Go type is used.
type Namer interface {
	OpName() string
}

// OpName returns the name of the operator type used in diagnostics.
func OpName(op Operator) string {
	if op == nil {
		return "<nil>"
	}
	if namer, ok := op.(Namer); ok {
		return namer.OpName()
	}
	t := reflect.TypeOf(op)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
