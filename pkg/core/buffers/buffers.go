// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers defines Buffer, the flat storage of the values produced and consumed by the
// operators of a graph.
//
// The set of storage kinds is closed: Float32, Float64, Float16 and Int32. Every switch over the
// kinds in this package is exhaustive, and operators declare which kinds they accept with
// CheckKind, failing with a *KindMismatchError otherwise.
//
// Buffers carry no shape: how a buffer is read is described by the views.View of each edge.
package buffers

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Kinds lists the supported storage kinds.
var Kinds = []dtypes.DType{dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.Int32}

// FloatKinds lists the floating point storage kinds.
var FloatKinds = []dtypes.DType{dtypes.Float32, dtypes.Float64, dtypes.Float16}

// Supported is the constraint of the Go types that can be stored in a Buffer.
type Supported interface {
	float32 | float64 | int32 | float16.Float16
}

// Buffer holds a flat slice of one of the supported kinds.
type Buffer struct {
	dtype dtypes.DType

	// flat is a []float32, []float64, []float16.Float16 or []int32, according to dtype.
	flat any
}

// IsSupported returns whether the kind can be stored in a Buffer.
func IsSupported(kind dtypes.DType) bool {
	return slices.Contains(Kinds, kind)
}

// New returns a Buffer that uses the given slice as storage (it is not copied).
func New[T Supported](flat []T) *Buffer {
	var dtype dtypes.DType
	switch any(flat).(type) {
	case []float32:
		dtype = dtypes.Float32
	case []float64:
		dtype = dtypes.Float64
	case []float16.Float16:
		dtype = dtypes.Float16
	case []int32:
		dtype = dtypes.Int32
	}
	return &Buffer{dtype: dtype, flat: flat}
}

// Zeros returns a new Buffer of the given kind and length filled with zeros.
func Zeros(kind dtypes.DType, length int) *Buffer {
	switch kind {
	case dtypes.Float32:
		return New(make([]float32, length))
	case dtypes.Float64:
		return New(make([]float64, length))
	case dtypes.Float16:
		return New(make([]float16.Float16, length))
	case dtypes.Int32:
		return New(make([]int32, length))
	}
	exceptions.Panicf("buffers.Zeros: unsupported kind %s, supported kinds are %v", kind, Kinds)
	return nil
}

// FromValues returns a new Buffer of the given kind with the values converted from any Go
// numeric type.
func FromValues[T constraints.Integer | constraints.Float](kind dtypes.DType, values []T) *Buffer {
	b := Zeros(kind, len(values))
	store := b.Storer()
	for ii, v := range values {
		store(ii, float64(v))
	}
	return b
}

// DType returns the storage kind of the buffer.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Len returns the number of elements stored.
func (b *Buffer) Len() int {
	switch flat := b.flat.(type) {
	case []float32:
		return len(flat)
	case []float64:
		return len(flat)
	case []float16.Float16:
		return len(flat)
	case []int32:
		return len(flat)
	}
	return 0
}

// Flat returns the underlying slice.
func (b *Buffer) Flat() any { return b.flat }

// Loader returns a function that reads the element at the given flat offset as a float64.
func (b *Buffer) Loader() func(offset int) float64 {
	switch flat := b.flat.(type) {
	case []float32:
		return func(offset int) float64 { return float64(flat[offset]) }
	case []float64:
		return func(offset int) float64 { return flat[offset] }
	case []float16.Float16:
		return func(offset int) float64 { return float64(flat[offset].Float32()) }
	case []int32:
		return func(offset int) float64 { return float64(flat[offset]) }
	}
	exceptions.Panicf("Buffer.Loader: invalid buffer of kind %s holding %T", b.dtype, b.flat)
	return nil
}

// Storer returns a function that writes a float64 value, converted to the buffer kind, at the
// given flat offset.
func (b *Buffer) Storer() func(offset int, value float64) {
	switch flat := b.flat.(type) {
	case []float32:
		return func(offset int, value float64) { flat[offset] = float32(value) }
	case []float64:
		return func(offset int, value float64) { flat[offset] = value }
	case []float16.Float16:
		return func(offset int, value float64) { flat[offset] = float16.Fromfloat32(float32(value)) }
	case []int32:
		return func(offset int, value float64) { flat[offset] = int32(value) }
	}
	exceptions.Panicf("Buffer.Storer: invalid buffer of kind %s holding %T", b.dtype, b.flat)
	return nil
}

// Float64s returns a copy of the values converted to float64.
func (b *Buffer) Float64s() []float64 {
	values := make([]float64, b.Len())
	load := b.Loader()
	for ii := range values {
		values[ii] = load(ii)
	}
	return values
}

// Float32s returns the underlying []float32, or a *KindMismatchError if the buffer holds another kind.
func (b *Buffer) Float32s() ([]float32, error) {
	flat, ok := b.flat.([]float32)
	if !ok {
		return nil, &KindMismatchError{Op: "Float32s", Got: b.dtype, Accepted: []dtypes.DType{dtypes.Float32}}
	}
	return flat, nil
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if b == nil {
		return "Buffer(nil)"
	}
	return fmt.Sprintf("Buffer(%s)%v", b.dtype, b.flat)
}

// KindMismatchError is returned when an operator receives a buffer of a kind it cannot interpret.
//
// It is a contract violation between the graph and the execution layer, not a runtime condition
// to recover from.
type KindMismatchError struct {
	Op       string
	Input    int
	Got      dtypes.DType
	Accepted []dtypes.DType
}

// Error implements error.
func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("operator %s: input #%d has buffer kind %s, accepted kinds are %v", e.Op, e.Input, e.Got, e.Accepted)
}

// CheckKind returns a *KindMismatchError if the buffer is nil or its kind is not one of accepted.
func CheckKind(op string, input int, b *Buffer, accepted ...dtypes.DType) error {
	if b == nil {
		return errors.Errorf("operator %s: input #%d has no buffer", op, input)
	}
	if !slices.Contains(accepted, b.dtype) {
		return errors.WithStack(&KindMismatchError{Op: op, Input: input, Got: b.dtype, Accepted: accepted})
	}
	return nil
}
