// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"

	"github.com/gomlx/graphfuse/pkg/core/buffers"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/pkg/errors"
)

// ErrNotFed is returned by Input.Process: inputs are fed by the executor, not computed.
var ErrNotFed = errors.New("input was not fed")

// Input is a leaf whose value is fed at execution time, by name.
type Input struct {
	Name string
}

// NumInputs implements graph.Arity.
func (Input) NumInputs() int { return 0 }

// OpName implements graph.Namer.
func (op Input) OpName() string { return fmt.Sprintf("Input(%q)", op.Name) }

// Process implements graph.Operator. It always fails: see ErrNotFed.
func (op Input) Process([]graph.Input) ([]*buffers.Buffer, error) {
	return nil, errors.Wrapf(ErrNotFed, "Input(%q)", op.Name)
}

// Constant is a scalar literal. Consumers usually read it through a broadcast view.
type Constant struct {
	Value float64
}

// NumInputs implements graph.Arity.
func (Constant) NumInputs() int { return 0 }

// OpName implements graph.Namer.
func (op Constant) OpName() string { return fmt.Sprintf("Constant(%g)", op.Value) }

// LiteralValue implements graph.Literal.
func (op Constant) LiteralValue() float64 { return op.Value }

// Process implements graph.Operator, returning a 1-element Float32 buffer.
func (op Constant) Process([]graph.Input) ([]*buffers.Buffer, error) {
	return []*buffers.Buffer{buffers.New([]float32{float32(op.Value)})}, nil
}

// ARange generates the Float32 sequence 0, 1, ..., Length-1.
type ARange struct {
	Length int
}

// NumInputs implements graph.Arity.
func (ARange) NumInputs() int { return 0 }

// Process implements graph.Operator.
func (op ARange) Process([]graph.Input) ([]*buffers.Buffer, error) {
	if op.Length < 0 {
		return nil, errors.Errorf("ARange: negative length %d", op.Length)
	}
	flat := make([]float32, op.Length)
	for ii := range flat {
		flat[ii] = float32(ii)
	}
	return []*buffers.Buffer{buffers.New(flat)}, nil
}

// Output is a sink marking a declared output of the computation. It materializes its input like
// Contiguous.
//
// Rewrites replace the nodes computing an output, so outputs are addressed by their Output node,
// which should be pinned.
type Output struct {
	Name string
}

// NumInputs implements graph.Arity.
func (Output) NumInputs() int { return 1 }

// OpName implements graph.Namer.
func (op Output) OpName() string { return fmt.Sprintf("Output(%q)", op.Name) }

// Process implements graph.Operator.
func (op Output) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return Contiguous{}.Process(inputs)
}
