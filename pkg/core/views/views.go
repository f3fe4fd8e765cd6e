// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package views defines View, the description of how one consumer sees the buffer produced by
// another node of the graph: its logical shape, and how each logical position maps to an offset
// in the producer's flat buffer, or to nothing if it falls in padding.
//
// Views make broadcast, slice, pad and permute free: they change only how a buffer is read, never
// the buffer itself. The same producer output can be seen through a different View by each of its
// consumers.
//
// ## Canonical form
//
// Each axis is described by a Dim with six symbolic values. The physical axis of the buffer, of
// length Size and stride Stride (0 for a broadcast axis), is first sliced to
// [SliceStart, SliceEnd) and then padded with PadBefore and PadAfter positions.
// Any composition of Slice, Pad, Broadcast and Permute folds exactly into this form, so a
// sliced view of a padded view of a broadcast view is still a single View.
//
// ## Glossary
//
//   - Extent: the logical length of an axis, SliceEnd-SliceStart+PadBefore+PadAfter.
//   - Index expression: function of the flat logical position (symbolic.Position) to the flat
//     offset in the producer's buffer.
//   - Valid expression: function of the flat logical position to 1 if it maps to data, 0 if it
//     falls in padding.
package views

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphfuse/pkg/core/symbolic"
	"github.com/pkg/errors"
)

// Dim describes one axis of a View. See package documentation for the semantics.
type Dim struct {
	Size, Stride         symbolic.Expr
	PadBefore, PadAfter  symbolic.Expr
	SliceStart, SliceEnd symbolic.Expr
}

// Extent returns the logical length of the axis.
func (d Dim) Extent() symbolic.Expr {
	return symbolic.Sum(symbolic.Sub(d.SliceEnd, d.SliceStart), d.PadBefore, d.PadAfter)
}

// IsSliced returns whether the axis is restricted to a sub-range of the physical axis.
func (d Dim) IsSliced() bool {
	return !symbolic.IsConst(d.SliceStart, 0) || !symbolic.Equal(d.SliceEnd, d.Size)
}

// IsPadded returns whether the axis has padding on either side.
func (d Dim) IsPadded() bool {
	return !symbolic.IsConst(d.PadBefore, 0) || !symbolic.IsConst(d.PadAfter, 0)
}

// IsBroadcast returns whether the axis repeats the same data (stride 0) over more than one position.
func (d Dim) IsBroadcast() bool {
	return symbolic.IsConst(d.Stride, 0) && !symbolic.IsConst(d.Size, 1)
}

func (d Dim) equal(d2 Dim) bool {
	return symbolic.Equal(d.Size, d2.Size) &&
		symbolic.Equal(d.Stride, d2.Stride) &&
		symbolic.Equal(d.PadBefore, d2.PadBefore) &&
		symbolic.Equal(d.PadAfter, d2.PadAfter) &&
		symbolic.Equal(d.SliceStart, d2.SliceStart) &&
		symbolic.Equal(d.SliceEnd, d2.SliceEnd)
}

func (d Dim) substitute(bindings symbolic.Bindings) Dim {
	return Dim{
		Size:       symbolic.Substitute(d.Size, bindings),
		Stride:     symbolic.Substitute(d.Stride, bindings),
		PadBefore:  symbolic.Substitute(d.PadBefore, bindings),
		PadAfter:   symbolic.Substitute(d.PadAfter, bindings),
		SliceStart: symbolic.Substitute(d.SliceStart, bindings),
		SliceEnd:   symbolic.Substitute(d.SliceEnd, bindings),
	}
}

// String pretty-prints the axis, omitting slicing and padding if not present.
func (d Dim) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s:%s", d.Size, d.Stride)
	if d.IsSliced() {
		_, _ = fmt.Fprintf(&sb, "[%s:%s]", d.SliceStart, d.SliceEnd)
	}
	if d.IsPadded() {
		_, _ = fmt.Fprintf(&sb, "<%s,%s>", d.PadBefore, d.PadAfter)
	}
	return sb.String()
}

// View is an immutable description of how a buffer is read by one consumer.
//
// The zero value is a scalar view (rank 0) of a single element.
type View struct {
	dims []Dim
}

// Make returns the contiguous row-major view of a buffer with the given concrete dimensions.
func Make(dimensions ...int) View {
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("views.Make(%v): dimensions cannot be negative", dimensions)
		}
	}
	return MakeSymbolic(symbolic.Consts(dimensions...)...)
}

// MakeSymbolic returns the contiguous row-major view of a buffer whose dimensions may only be
// known at execution time.
func MakeSymbolic(dimensions ...symbolic.Expr) View {
	strides := rowMajorStrides(dimensions)
	v := View{dims: make([]Dim, len(dimensions))}
	for axis, size := range dimensions {
		v.dims[axis] = Dim{
			Size:       size,
			Stride:     strides[axis],
			PadBefore:  symbolic.Const(0),
			PadAfter:   symbolic.Const(0),
			SliceStart: symbolic.Const(0),
			SliceEnd:   size,
		}
	}
	return v
}

func rowMajorStrides(dimensions []symbolic.Expr) []symbolic.Expr {
	strides := make([]symbolic.Expr, len(dimensions))
	acc := symbolic.Const(1)
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = acc
		acc = symbolic.Mul(acc, dimensions[axis])
	}
	return strides
}

// Rank returns the number of axes.
func (v View) Rank() int { return len(v.dims) }

// Dims returns a copy of the per-axis descriptors.
func (v View) Dims() []Dim { return slices.Clone(v.dims) }

// Dim returns the descriptor of the given axis. Negative axes count from the end.
func (v View) Dim(axis int) Dim {
	return v.dims[v.adjustAxis("Dim", axis, v.Rank())]
}

// Shape returns the logical extent of each axis.
func (v View) Shape() []symbolic.Expr {
	shape := make([]symbolic.Expr, len(v.dims))
	for axis, d := range v.dims {
		shape[axis] = d.Extent()
	}
	return shape
}

// ConcreteShape returns the logical shape resolved with the given bindings.
func (v View) ConcreteShape(bindings symbolic.Bindings) ([]int, error) {
	shape := make([]int, len(v.dims))
	for axis, extent := range v.Shape() {
		value, err := extent.Eval(bindings)
		if err != nil {
			return nil, errors.WithMessagef(err, "axis %d of view %s", axis, v)
		}
		shape[axis] = value
	}
	return shape, nil
}

// ElementCount returns the number of logical elements, the product of the extents.
func (v View) ElementCount() symbolic.Expr {
	return symbolic.Product(v.Shape()...)
}

// IsSliced returns whether any axis is sliced.
func (v View) IsSliced() bool {
	return slices.ContainsFunc(v.dims, Dim.IsSliced)
}

// IsPadded returns whether any axis is padded.
func (v View) IsPadded() bool {
	return slices.ContainsFunc(v.dims, Dim.IsPadded)
}

// IsBroadcast returns whether any axis is a broadcast (stride 0) axis.
func (v View) IsBroadcast() bool {
	return slices.ContainsFunc(v.dims, Dim.IsBroadcast)
}

// IsContiguous returns whether the view reads the buffer exactly in row-major order:
// no padding, no slicing, no broadcast and no reordering of the axes.
func (v View) IsContiguous() bool {
	if v.IsPadded() || v.IsSliced() {
		return false
	}
	sizes := make([]symbolic.Expr, len(v.dims))
	for axis, d := range v.dims {
		sizes[axis] = d.Size
	}
	for axis, stride := range rowMajorStrides(sizes) {
		if symbolic.IsConst(v.dims[axis].Size, 1) {
			continue
		}
		if !symbolic.Equal(stride, v.dims[axis].Stride) {
			return false
		}
	}
	return true
}

// Equal compares the views structurally.
func (v View) Equal(v2 View) bool {
	if len(v.dims) != len(v2.dims) {
		return false
	}
	for axis, d := range v.dims {
		if !d.equal(v2.dims[axis]) {
			return false
		}
	}
	return true
}

// Key returns a string that is equal for structurally equal views. It can be used as a map key.
func (v View) Key() string { return v.String() }

// String implements fmt.Stringer.
func (v View) String() string {
	parts := make([]string, len(v.dims))
	for axis, d := range v.dims {
		parts[axis] = d.String()
	}
	return "View(" + strings.Join(parts, ", ") + ")"
}

func (v View) adjustAxis(method string, axis, rank int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		exceptions.Panicf("View.%s: axis %d out-of-bounds for rank %d (%s)", method, axis, rank, v)
	}
	return adjusted
}

func (v View) withDims(dims []Dim) View {
	return View{dims: dims}
}

// Broadcast returns a new view with a new axis of the given size inserted at position axis,
// that repeats the data (stride 0). Axis can be equal to the rank to append an axis.
func (v View) Broadcast(axis int, size symbolic.Expr) View {
	if axis < 0 {
		axis += v.Rank() + 1
	}
	if axis < 0 || axis > v.Rank() {
		exceptions.Panicf("View.Broadcast: axis %d out-of-bounds for rank %d (%s)", axis, v.Rank(), v)
	}
	dims := slices.Clone(v.dims)
	dims = slices.Insert(dims, axis, Dim{
		Size:       size,
		Stride:     symbolic.Const(0),
		PadBefore:  symbolic.Const(0),
		PadAfter:   symbolic.Const(0),
		SliceStart: symbolic.Const(0),
		SliceEnd:   size,
	})
	return v.withDims(dims)
}

// Expand is Broadcast with a concrete size.
func (v View) Expand(axis, size int) View {
	return v.Broadcast(axis, symbolic.Const(size))
}

// Pad returns a new view with the given axis padded with before and after positions that read
// as invalid. Negative padding is not accepted, use Slice instead.
func (v View) Pad(axis, before, after int) View {
	axis = v.adjustAxis("Pad", axis, v.Rank())
	if before < 0 || after < 0 {
		exceptions.Panicf("View.Pad(axis=%d, %d, %d): negative padding not accepted, use Slice", axis, before, after)
	}
	dims := slices.Clone(v.dims)
	d := dims[axis]
	d.PadBefore = symbolic.Add(d.PadBefore, symbolic.Const(before))
	d.PadAfter = symbolic.Add(d.PadAfter, symbolic.Const(after))
	dims[axis] = d
	return v.withDims(dims)
}

// Slice returns a new view restricted to the logical range [start, end) of the given axis.
// The range is clamped to the extent of the axis: a start past it gives an empty axis.
func (v View) Slice(axis, start, end int) View {
	axis = v.adjustAxis("Slice", axis, v.Rank())
	if start < 0 || end < start {
		exceptions.Panicf("View.Slice(axis=%d, %d, %d): invalid range", axis, start, end)
	}
	dims := slices.Clone(v.dims)
	dims[axis] = sliceDim(dims[axis], symbolic.Const(start), symbolic.Const(end))
	return v.withDims(dims)
}

// sliceDim folds a slice of the logical range [start, end) into the canonical form.
// The valid window of the axis is always a single interval, which the new
// (SliceStart, SliceEnd, PadBefore, PadAfter) describe exactly.
func sliceDim(d Dim, start, end symbolic.Expr) Dim {
	zero := symbolic.Const(0)
	end = symbolic.Min(end, d.Extent())
	start = symbolic.Min(start, end)
	length := symbolic.Sub(d.SliceEnd, d.SliceStart)

	newPadBefore := symbolic.Max(symbolic.Sub(d.PadBefore, start), zero)
	newSliceStart := symbolic.Min(
		symbolic.Add(d.SliceStart, symbolic.Max(symbolic.Sub(start, d.PadBefore), zero)),
		d.SliceEnd)
	validEnd := symbolic.Sub(symbolic.Min(symbolic.Add(d.PadBefore, length), end), start)
	validEnd = symbolic.Max(validEnd, newPadBefore)
	newLength := symbolic.Sub(validEnd, newPadBefore)
	return Dim{
		Size:       d.Size,
		Stride:     d.Stride,
		PadBefore:  newPadBefore,
		PadAfter:   symbolic.Sub(symbolic.Sub(end, start), validEnd),
		SliceStart: newSliceStart,
		SliceEnd:   symbolic.Add(newSliceStart, newLength),
	}
}

// Permute returns a new view with the axes reordered: axis i of the new view is axis
// permutation[i] of v.
func (v View) Permute(permutation ...int) View {
	if len(permutation) != v.Rank() {
		exceptions.Panicf("View.Permute(%v): permutation must have one entry per axis of %s", permutation, v)
	}
	seen := make([]bool, v.Rank())
	dims := make([]Dim, v.Rank())
	for ii, axis := range permutation {
		if axis < 0 || axis >= v.Rank() || seen[axis] {
			exceptions.Panicf("View.Permute(%v): invalid permutation for %s", permutation, v)
		}
		seen[axis] = true
		dims[ii] = v.dims[axis]
	}
	return v.withDims(dims)
}

// RemoveBroadcastAxis returns the view without the given axis, which must have stride 0 (or size
// 1) and be neither padded nor sliced, so that all its positions read the same data.
// It is the inverse of Broadcast.
func (v View) RemoveBroadcastAxis(axis int) (View, error) {
	axis = v.adjustAxis("RemoveBroadcastAxis", axis, v.Rank())
	d := v.dims[axis]
	repeats := symbolic.IsConst(d.Stride, 0) || symbolic.IsConst(d.Size, 1)
	if !repeats || d.IsPadded() || d.IsSliced() {
		return View{}, errors.Errorf("View.RemoveBroadcastAxis: axis %d of %s is not a plain broadcast axis", axis, v)
	}
	return v.withDims(slices.Delete(slices.Clone(v.dims), axis, axis+1)), nil
}

// ErrNotContiguous is returned when an operation requires a contiguous view.
var ErrNotContiguous = errors.New("view is not contiguous")

// Reshape returns a contiguous view with the new dimensions over the same buffer.
// Only contiguous views can be reshaped: others must be materialized first.
func (v View) Reshape(dimensions ...symbolic.Expr) (View, error) {
	if !v.IsContiguous() {
		return View{}, errors.Wrapf(ErrNotContiguous, "cannot reshape %s", v)
	}
	newView := MakeSymbolic(dimensions...)
	oldCount, oldOk := symbolic.AsConst(v.ElementCount())
	newCount, newOk := symbolic.AsConst(newView.ElementCount())
	if oldOk && newOk && oldCount != newCount {
		return View{}, errors.Errorf("cannot reshape %s (%d elements) to [%s] (%d elements)",
			v, oldCount, symbolic.Format(dimensions, " "), newCount)
	}
	return newView, nil
}

// Resolve returns a new view with the dimension variables substituted by their bindings.
func (v View) Resolve(bindings symbolic.Bindings) View {
	if len(bindings) == 0 {
		return v
	}
	dims := make([]Dim, len(v.dims))
	for axis, d := range v.dims {
		dims[axis] = d.substitute(bindings)
	}
	return v.withDims(dims)
}

// IndexExpression returns the flat offset into the producer's buffer as a function of the
// flat logical position symbolic.Position.
//
// Positions that are not valid (see ValidExpression) may map to any offset, including out of
// the buffer: they must not be dereferenced.
func (v View) IndexExpression() symbolic.Expr {
	z := symbolic.Var(symbolic.Position)
	if v.IsContiguous() {
		return z
	}
	index := symbolic.Const(0)
	v.forEachAxisCoordinate(z, func(d Dim, coord symbolic.Expr) {
		source := symbolic.Add(symbolic.Sub(coord, d.PadBefore), d.SliceStart)
		index = symbolic.Add(index, symbolic.Mul(source, d.Stride))
	})
	return index
}

// ValidExpression returns 1 if the flat logical position symbolic.Position maps to data, or 0
// if it falls in padding.
func (v View) ValidExpression() symbolic.Expr {
	valid := symbolic.Const(1)
	if !v.IsPadded() {
		return valid
	}
	z := symbolic.Var(symbolic.Position)
	v.forEachAxisCoordinate(z, func(d Dim, coord symbolic.Expr) {
		if !symbolic.IsConst(d.PadBefore, 0) {
			valid = symbolic.And(valid, symbolic.Ge(coord, d.PadBefore))
		}
		if !symbolic.IsConst(d.PadAfter, 0) {
			dataEnd := symbolic.Add(d.PadBefore, symbolic.Sub(d.SliceEnd, d.SliceStart))
			valid = symbolic.And(valid, symbolic.Lt(coord, dataEnd))
		}
	})
	return valid
}

// forEachAxisCoordinate calls fn with the expression of the logical coordinate of each axis,
// starting from the last one.
func (v View) forEachAxisCoordinate(z symbolic.Expr, fn func(d Dim, coord symbolic.Expr)) {
	acc := symbolic.Const(1)
	for axis := len(v.dims) - 1; axis >= 0; axis-- {
		d := v.dims[axis]
		extent := d.Extent()
		coord := symbolic.Div(z, acc)
		if axis > 0 {
			coord = symbolic.Mod(coord, extent)
		}
		fn(d, coord)
		acc = symbolic.Mul(acc, extent)
	}
}

// Accessors returns the compiled index and validity functions of the view.
//
// It fails with a *symbolic.UnresolvedError if the view still depends on dimension variables:
// use Resolve first.
func (v View) Accessors() (index func(int) int, valid func(int) bool, err error) {
	index, err = symbolic.Compile(v.IndexExpression(), symbolic.Position)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "index expression of %s", v)
	}
	validExpr := v.ValidExpression()
	if symbolic.IsConst(validExpr, 1) {
		return index, func(int) bool { return true }, nil
	}
	validInt, err := symbolic.Compile(validExpr, symbolic.Position)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "valid expression of %s", v)
	}
	return index, func(z int) bool { return validInt(z) != 0 }, nil
}

// NumElements returns the concrete number of logical elements, failing with a
// *symbolic.UnresolvedError if it depends on unbound dimension variables.
func (v View) NumElements() (int, error) {
	count, err := v.ElementCount().Eval(nil)
	if err != nil {
		return 0, errors.WithMessagef(err, "element count of %s", v)
	}
	return count, nil
}
