// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops implements the operators held by the nodes of a graph.Graph.
//
// All operators are comparable value types with their parameters fixed at construction, and are
// safe for concurrent use. They read each input through its view: positions of a view that fall
// in padding read as 0.
//
// Leaves:
//   - Input: a value fed at execution time.
//   - Constant: a scalar literal.
//   - ARange: the sequence 0, 1, ..., Length-1.
//
// Elementwise operators produce one value per logical position of their first input's view:
// Add, Sub, Mul, Max, Mod, LessThan, Equal, Exp2, Log2, Sqrt, Recip, Sin and Contiguous.
//
// Reductions (SumReduce, MaxReduce) and the fused Gather produce row-major contiguous outputs.
package ops

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphfuse/pkg/core/buffers"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/pkg/errors"
)

// reader returns a function that reads the input at a flat logical position of its view, and the
// number of logical positions. A view reading a valid position outside of the buffer is a
// StructuralMismatch.
func reader(op string, inputIdx int, input graph.Input, accepted []dtypes.DType) (read func(z int) float64, size int, err error) {
	if err = buffers.CheckKind(op, inputIdx, input.Buffer, accepted...); err != nil {
		return
	}
	size, err = input.View.NumElements()
	if err != nil {
		err = errors.WithMessagef(err, "operator %s: input #%d", op, inputIdx)
		return
	}
	index, valid, err := input.View.Accessors()
	if err != nil {
		err = errors.WithMessagef(err, "operator %s: input #%d", op, inputIdx)
		return
	}
	length := input.Buffer.Len()
	for z := range size {
		if !valid(z) {
			continue
		}
		if offset := index(z); offset < 0 || offset >= length {
			err = errors.Wrapf(graph.ErrStructuralMismatch, "operator %s: input #%d view %s reads offset %d at position %d of a buffer of %d elements",
				op, inputIdx, input.View, offset, z, length)
			return
		}
	}
	load := input.Buffer.Loader()
	read = func(z int) float64 {
		if !valid(z) {
			return 0
		}
		return load(index(z))
	}
	return
}

func checkNumInputs(op string, inputs []graph.Input, n int) error {
	if len(inputs) != n {
		return errors.Wrapf(graph.ErrStructuralMismatch, "operator %s requires %d inputs, got %d", op, n, len(inputs))
	}
	return nil
}

// elementwise runs fn over every logical position of the inputs' views, which must have the same
// number of elements. The output has kind outKind, or the kind of the first input if it is
// dtypes.InvalidDType.
func elementwise(op string, inputs []graph.Input, accepted []dtypes.DType, outKind dtypes.DType,
	fn func(values []float64) float64) ([]*buffers.Buffer, error) {
	readers := make([]func(int) float64, len(inputs))
	size := -1
	for ii, input := range inputs {
		read, n, err := reader(op, ii, input, accepted)
		if err != nil {
			return nil, err
		}
		if size >= 0 && n != size {
			return nil, errors.Errorf("operator %s: input #%d has %d elements, input #0 has %d", op, ii, n, size)
		}
		readers[ii], size = read, n
	}
	if outKind == dtypes.InvalidDType {
		outKind = inputs[0].Buffer.DType()
	}
	out := buffers.Zeros(outKind, size)
	store := out.Storer()
	values := make([]float64, len(inputs))
	for z := range size {
		for ii, read := range readers {
			values[ii] = read(z)
		}
		store(z, fn(values))
	}
	return []*buffers.Buffer{out}, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
