// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package frontend

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphfuse/pkg/core/graph"
	"github.com/gomlx/graphfuse/pkg/core/ops"
	"github.com/gomlx/graphfuse/pkg/core/symbolic"
)

// Input creates a tensor fed at execution time with the given name, with concrete dimensions.
func Input(b *Builder, name string, dimensions ...int) Tensor {
	return InputSymbolic(b, name, symbolic.Consts(dimensions...)...)
}

// InputSymbolic creates a tensor fed at execution time with the given name, whose dimensions may
// be symbolic: they are resolved by the bindings given to the executor.
func InputSymbolic(b *Builder, name string, dimensions ...symbolic.Expr) Tensor {
	return b.newNode(ops.Input{Name: name}, dimensions)
}

// Constant creates a scalar constant. It is broadcast when combined with tensors of higher rank.
func Constant(b *Builder, value float64) Tensor {
	return b.newNode(ops.Constant{Value: value}, nil)
}

// ARange creates the vector 0, 1, ..., length-1.
func ARange(b *Builder, length int) Tensor {
	if length < 0 {
		exceptions.Panicf("ARange(%d): negative length", length)
	}
	return b.newNode(ops.ARange{Length: length}, symbolic.Consts(length))
}

// broadcastScalar returns the scalar x broadcast to the given shape.
func broadcastScalar(x Tensor, shape []symbolic.Expr) Tensor {
	for axis, dim := range shape {
		x.view = x.view.Broadcast(axis, dim)
	}
	return x
}

// sameShape checks that the shapes of the tensors are the same.
func sameShape(opName string, lhs, rhs Tensor) {
	lhsShape, rhsShape := lhs.Shape(), rhs.Shape()
	if !slices.EqualFunc(lhsShape, rhsShape, symbolic.Equal) {
		exceptions.Panicf("%s: operands have different shapes [%s] and [%s], use Expand to broadcast them",
			opName, symbolic.Format(lhsShape, " "), symbolic.Format(rhsShape, " "))
	}
}

// binaryOp creates an elementwise binary operation. A scalar operand is broadcast to the shape of
// the other.
func binaryOp(op graph.Operator, lhs, rhs Tensor) Tensor {
	b := validateBuildingFromInputs(lhs, rhs)
	switch {
	case lhs.Rank() == 0 && rhs.Rank() > 0:
		lhs = broadcastScalar(lhs, rhs.Shape())
	case rhs.Rank() == 0 && lhs.Rank() > 0:
		rhs = broadcastScalar(rhs, lhs.Shape())
	}
	sameShape(graph.OpName(op), lhs, rhs)
	return b.newNode(op, lhs.Shape(), lhs, rhs)
}

// unaryOp creates an elementwise unary operation.
func unaryOp(op graph.Operator, x Tensor) Tensor {
	b := validateBuildingFromInputs(x)
	return b.newNode(op, x.Shape(), x)
}

// Add returns lhs + rhs.
func Add(lhs, rhs Tensor) Tensor { return binaryOp(ops.Add{}, lhs, rhs) }

// Sub returns lhs - rhs.
func Sub(lhs, rhs Tensor) Tensor { return binaryOp(ops.Sub{}, lhs, rhs) }

// Mul returns lhs * rhs.
func Mul(lhs, rhs Tensor) Tensor { return binaryOp(ops.Mul{}, lhs, rhs) }

// Max returns the elementwise maximum of lhs and rhs.
func Max(lhs, rhs Tensor) Tensor { return binaryOp(ops.Max{}, lhs, rhs) }

// Mod returns the floating point remainder of lhs / rhs.
func Mod(lhs, rhs Tensor) Tensor { return binaryOp(ops.Mod{}, lhs, rhs) }

// LessThan returns 1 where lhs < rhs, 0 elsewhere.
func LessThan(lhs, rhs Tensor) Tensor { return binaryOp(ops.LessThan{}, lhs, rhs) }

// Equal returns 1 where lhs == rhs, 0 elsewhere.
func Equal(lhs, rhs Tensor) Tensor { return binaryOp(ops.Equal{}, lhs, rhs) }

// Exp2 returns 2^x.
func Exp2(x Tensor) Tensor { return unaryOp(ops.Exp2{}, x) }

// Log2 returns log2(x).
func Log2(x Tensor) Tensor { return unaryOp(ops.Log2{}, x) }

// Sqrt returns the square root of x.
func Sqrt(x Tensor) Tensor { return unaryOp(ops.Sqrt{}, x) }

// Recip returns 1/x.
func Recip(x Tensor) Tensor { return unaryOp(ops.Recip{}, x) }

// Sin returns sin(x).
func Sin(x Tensor) Tensor { return unaryOp(ops.Sin{}, x) }

// Contiguous materializes x into a new contiguous buffer.
func Contiguous(x Tensor) Tensor { return unaryOp(ops.Contiguous{}, x) }

// Neg returns -x, expressed as x * -1.
func Neg(x Tensor) Tensor {
	return Mul(x, Constant(x.b, -1))
}

// Minus returns lhs - rhs, expressed as lhs + (rhs * -1).
//
// It is the form the passes.Subtraction compiler folds into a Sub.
func Minus(lhs, rhs Tensor) Tensor {
	return Add(lhs, Neg(rhs))
}

// EqualViaLessThan returns 1 where lhs == rhs, 0 elsewhere, expressed as
// 1 - ((lhs < rhs) + (rhs < lhs)).
//
// It is the form the passes.Equality compiler folds into an Equal.
func EqualViaLessThan(lhs, rhs Tensor) Tensor {
	b := validateBuildingFromInputs(lhs, rhs)
	return Sub(Constant(b, 1), Add(LessThan(lhs, rhs), LessThan(rhs, lhs)))
}

// Expand inserts a new axis at the given position, repeating x size times.
// Axis can be equal to the rank of x to append an axis.
func Expand(x Tensor, axis, size int) Tensor {
	validateBuildingFromInputs(x)
	x.view = x.view.Expand(axis, size)
	return x
}

// Broadcast is Expand with a symbolic size.
func Broadcast(x Tensor, axis int, size symbolic.Expr) Tensor {
	validateBuildingFromInputs(x)
	x.view = x.view.Broadcast(axis, size)
	return x
}

// Pad the axis of x with before and after zeros.
func Pad(x Tensor, axis, before, after int) Tensor {
	validateBuildingFromInputs(x)
	x.view = x.view.Pad(axis, before, after)
	return x
}

// Slice restricts the axis of x to the range [start, end).
func Slice(x Tensor, axis, start, end int) Tensor {
	validateBuildingFromInputs(x)
	x.view = x.view.Slice(axis, start, end)
	return x
}

// Permute reorders the axes of x: axis i of the result is axis permutation[i] of x.
func Permute(x Tensor, permutation ...int) Tensor {
	validateBuildingFromInputs(x)
	x.view = x.view.Permute(permutation...)
	return x
}

// Reshape x to the given dimensions. If x is not contiguous, it is materialized first.
func Reshape(x Tensor, dimensions ...int) Tensor {
	validateBuildingFromInputs(x)
	if !x.view.IsContiguous() {
		x = Contiguous(x)
	}
	view, err := x.view.Reshape(symbolic.Consts(dimensions...)...)
	if err != nil {
		panic(err)
	}
	x.view = view
	return x
}

// reduce creates a reduction of the given axis of x.
func reduce(op graph.Operator, x Tensor, axis int) Tensor {
	b := validateBuildingFromInputs(x)
	shape := x.Shape()
	if axis < 0 {
		axis += len(shape)
	}
	if axis < 0 || axis >= len(shape) {
		exceptions.Panicf("%s: axis %d out-of-bounds for rank %d", graph.OpName(op), axis, len(shape))
	}
	return b.newNode(op, slices.Delete(shape, axis, axis+1), x)
}

// SumReduce sums x over the given axis, which is removed from the result.
func SumReduce(x Tensor, axis int) Tensor {
	if axis < 0 {
		axis += x.Rank()
	}
	return reduce(ops.SumReduce{Axis: axis}, x, axis)
}

// MaxReduce takes the maximum of x over the given axis, which is removed from the result.
func MaxReduce(x Tensor, axis int) Tensor {
	if axis < 0 {
		axis += x.Rank()
	}
	return reduce(ops.MaxReduce{Axis: axis}, x, axis)
}

// Gather returns, for each of the indices, its row of table.
// Indices must be a vector [numIndices] and table a matrix [vocab, embedDim] of known embedDim.
func Gather(indices, table Tensor) Tensor {
	b := validateBuildingFromInputs(indices, table)
	if indices.Rank() != 1 || table.Rank() != 2 {
		exceptions.Panicf("Gather: indices must be rank 1 and table rank 2, got %s and %s", indices.view, table.view)
	}
	embedDim, ok := symbolic.AsConst(table.Shape()[1])
	if !ok {
		exceptions.Panicf("Gather: embedding dimension of table %s must be known", table.view)
	}
	return b.newNode(ops.Gather{EmbedDim: embedDim}, []symbolic.Expr{indices.Shape()[0], table.Shape()[1]}, indices, table)
}

// OneHotEmbedding looks up the rows of table for each of the indices using a one-hot encoding:
//
//	SumReduce(Expand(Equal(Expand(indices, 1, vocab), Expand(ARange(vocab), 0, n)), 2, embedDim) *
//	          Expand(table, 0, n), 1)
//
// Indices must be a vector [n] and table a matrix [vocab, embedDim] of known dimensions.
// It is the form the passes.Gather compiler folds into a Gather.
func OneHotEmbedding(indices, table Tensor) Tensor {
	b := validateBuildingFromInputs(indices, table)
	if indices.Rank() != 1 || table.Rank() != 2 {
		exceptions.Panicf("OneHotEmbedding: indices must be rank 1 and table rank 2, got %s and %s", indices.view, table.view)
	}
	vocab, vocabOk := symbolic.AsConst(table.Shape()[0])
	embedDim, embedOk := symbolic.AsConst(table.Shape()[1])
	if !vocabOk || !embedOk {
		exceptions.Panicf("OneHotEmbedding: dimensions of table %s must be known", table.view)
	}
	n := indices.Shape()[0]
	oneHot := Equal(Expand(indices, 1, vocab), Broadcast(ARange(b, vocab), 0, n))
	products := Mul(Expand(oneHot, 2, embedDim), Broadcast(table, 0, n))
	return SumReduce(products, 1)
}
