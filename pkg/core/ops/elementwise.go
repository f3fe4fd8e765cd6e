// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/graphfuse/pkg/core/buffers"
	"github.com/gomlx/graphfuse/pkg/core/graph"
)

// binary runs a two-input elementwise operator.
func binary(op string, inputs []graph.Input, outKind dtypes.DType, fn func(a, b float64) float64) ([]*buffers.Buffer, error) {
	if err := checkNumInputs(op, inputs, 2); err != nil {
		return nil, err
	}
	accepted := buffers.FloatKinds
	if outKind != dtypes.InvalidDType {
		accepted = buffers.Kinds
	}
	return elementwise(op, inputs, accepted, outKind, func(values []float64) float64 {
		return fn(values[0], values[1])
	})
}

// unary runs a one-input elementwise operator.
func unary(op string, inputs []graph.Input, fn func(x float64) float64) ([]*buffers.Buffer, error) {
	if err := checkNumInputs(op, inputs, 1); err != nil {
		return nil, err
	}
	return elementwise(op, inputs, buffers.FloatKinds, dtypes.InvalidDType, func(values []float64) float64 {
		return fn(values[0])
	})
}

// Add computes a + b.
type Add struct{}

// NumInputs implements graph.Arity.
func (Add) NumInputs() int { return 2 }

// Process implements graph.Operator.
func (Add) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return binary("Add", inputs, dtypes.InvalidDType, func(a, b float64) float64 { return a + b })
}

// Sub computes a - b.
type Sub struct{}

// NumInputs implements graph.Arity.
func (Sub) NumInputs() int { return 2 }

// Process implements graph.Operator.
func (Sub) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return binary("Sub", inputs, dtypes.InvalidDType, func(a, b float64) float64 { return a - b })
}

// Mul computes a * b.
type Mul struct{}

// NumInputs implements graph.Arity.
func (Mul) NumInputs() int { return 2 }

// Process implements graph.Operator.
func (Mul) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return binary("Mul", inputs, dtypes.InvalidDType, func(a, b float64) float64 { return a * b })
}

// Max computes max(a, b).
type Max struct{}

// NumInputs implements graph.Arity.
func (Max) NumInputs() int { return 2 }

// Process implements graph.Operator.
func (Max) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return binary("Max", inputs, dtypes.InvalidDType, math.Max)
}

// Mod computes the floating point remainder of a / b, with the sign of a.
type Mod struct{}

// NumInputs implements graph.Arity.
func (Mod) NumInputs() int { return 2 }

// Process implements graph.Operator.
func (Mod) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return binary("Mod", inputs, dtypes.InvalidDType, math.Mod)
}

// LessThan computes a < b as a Float32 0 or 1.
type LessThan struct{}

// NumInputs implements graph.Arity.
func (LessThan) NumInputs() int { return 2 }

// Process implements graph.Operator.
func (LessThan) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return binary("LessThan", inputs, dtypes.Float32, func(a, b float64) float64 { return boolToFloat(a < b) })
}

// Equal computes a == b as a Float32 0 or 1.
type Equal struct{}

// NumInputs implements graph.Arity.
func (Equal) NumInputs() int { return 2 }

// Process implements graph.Operator.
func (Equal) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return binary("Equal", inputs, dtypes.Float32, func(a, b float64) float64 { return boolToFloat(a == b) })
}

// Exp2 computes 2^x.
type Exp2 struct{}

// NumInputs implements graph.Arity.
func (Exp2) NumInputs() int { return 1 }

// Process implements graph.Operator.
func (Exp2) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return unary("Exp2", inputs, math.Exp2)
}

// Log2 computes log2(x).
type Log2 struct{}

// NumInputs implements graph.Arity.
func (Log2) NumInputs() int { return 1 }

// Process implements graph.Operator.
func (Log2) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return unary("Log2", inputs, math.Log2)
}

// Sqrt computes the square root of x.
type Sqrt struct{}

// NumInputs implements graph.Arity.
func (Sqrt) NumInputs() int { return 1 }

// Process implements graph.Operator.
func (Sqrt) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return unary("Sqrt", inputs, math.Sqrt)
}

// Recip computes 1/x.
type Recip struct{}

// NumInputs implements graph.Arity.
func (Recip) NumInputs() int { return 1 }

// Process implements graph.Operator.
func (Recip) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return unary("Recip", inputs, func(x float64) float64 { return 1 / x })
}

// Sin computes sin(x).
type Sin struct{}

// NumInputs implements graph.Arity.
func (Sin) NumInputs() int { return 1 }

// Process implements graph.Operator.
func (Sin) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	return unary("Sin", inputs, math.Sin)
}

// Contiguous materializes its input view into a row-major contiguous buffer, with padding
// positions set to 0. It accepts every buffer kind.
type Contiguous struct{}

// NumInputs implements graph.Arity.
func (Contiguous) NumInputs() int { return 1 }

// Process implements graph.Operator.
func (Contiguous) Process(inputs []graph.Input) ([]*buffers.Buffer, error) {
	if err := checkNumInputs("Contiguous", inputs, 1); err != nil {
		return nil, err
	}
	return elementwise("Contiguous", inputs, buffers.Kinds, dtypes.InvalidDType, func(values []float64) float64 {
		return values[0]
	})
}
