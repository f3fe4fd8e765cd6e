// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"math"

	"github.com/gomlx/graphfuse/pkg/core/buffers"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/pkg/errors"
)

// SumReduce sums its input over Axis, producing a contiguous output without that axis.
type SumReduce struct {
	Axis int
}

// NumInputs implements graph.Arity.
func (SumReduce) NumInputs() int { return 1 }

// Process implements graph.Operator.
func (op SumReduce) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return reduce("SumReduce", op.Axis, inputs, 0, func(acc, x float64) float64 { return acc + x })
}

// MaxReduce takes the maximum of its input over Axis, producing a contiguous output without
// that axis. Padding positions take part as 0.
type MaxReduce struct {
	Axis int
}

// NumInputs implements graph.Arity.
func (MaxReduce) NumInputs() int { return 1 }

// Process implements graph.Operator.
func (op MaxReduce) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return reduce("MaxReduce", op.Axis, inputs, math.Inf(-1), math.Max)
}

func reduce(op string, axis int, inputs []graph.Input, initial float64, fn func(acc, x float64) float64) ([]*buffers.Buffer, error) {
	if err := checkNumInputs(op, inputs, 1); err != nil {
		return nil, err
	}
	read, _, err := reader(op, 0, inputs[0], buffers.FloatKinds)
	if err != nil {
		return nil, err
	}
	shape, err := inputs[0].View.ConcreteShape(nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "operator %s", op)
	}
	if axis < 0 || axis >= len(shape) {
		return nil, errors.Errorf("operator %s: axis %d out-of-bounds for input of rank %d", op, axis, len(shape))
	}
	outer, inner := 1, 1
	for _, d := range shape[:axis] {
		outer *= d
	}
	for _, d := range shape[axis+1:] {
		inner *= d
	}
	n := shape[axis]
	out := buffers.Zeros(inputs[0].Buffer.DType(), outer*inner)
	store := out.Storer()
	for o := range outer {
		for i := range inner {
			acc := initial
			for k := range n {
				acc = fn(acc, read((o*n+k)*inner+i))
			}
			store(o*inner+i, acc)
		}
	}
	return []*buffers.Buffer{out}, nil
}
