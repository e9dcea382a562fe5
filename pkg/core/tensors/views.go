// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"
	"slices"

	"github.com/gomlx/collectives/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Narrow returns a view of t restricted to [start, start+length) along the given axis.
//
// The axis can be negative, counting from the end. The returned tensor shares t's storage,
// and it is generally not contiguous, except when narrowing the leading axis.
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	adjustedAxis, err := shapes.NormalizeAxis(axis, t.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "Tensor.Narrow(axis=%d) on %s", axis, t.shape)
	}
	dim := t.shape.Dimensions[adjustedAxis]
	if start < 0 || length < 0 || start+length > dim {
		return nil, errors.Errorf("Tensor.Narrow(axis=%d, start=%d, length=%d) out of bounds for dimension %d of %s",
			axis, start, length, dim, t.shape)
	}
	return &Tensor{
		shape:   t.shape.WithDim(adjustedAxis, length),
		storage: t.storage,
		offset:  t.offset + start*t.strides[adjustedAxis],
		strides: slices.Clone(t.strides),
	}, nil
}

// Split t into views along the given axis, with the given sizes, in order.
//
// The sizes must be non-negative and add up to the dimension of the axis.
// The returned views share t's storage, see Narrow.
func (t *Tensor) Split(axis int, sizes []int) ([]*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	adjustedAxis, err := shapes.NormalizeAxis(axis, t.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "Tensor.Split(axis=%d) on %s", axis, t.shape)
	}
	dim := t.shape.Dimensions[adjustedAxis]
	total := 0
	for ii, size := range sizes {
		if size < 0 {
			return nil, errors.Errorf("Tensor.Split(axis=%d, sizes=%v): size #%d is negative", axis, sizes, ii)
		}
		total += size
	}
	if total != dim {
		return nil, errors.Errorf("Tensor.Split(axis=%d, sizes=%v): sizes add up to %d, but dimension is %d (shape %s)",
			axis, sizes, total, dim, t.shape)
	}
	parts := make([]*Tensor, 0, len(sizes))
	start := 0
	for _, size := range sizes {
		part, err := t.Narrow(adjustedAxis, start, size)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
		start += size
	}
	return parts, nil
}

// SplitEvenly splits t into numParts views of equal size along the given axis.
//
// The dimension of the axis must be divisible by numParts.
func (t *Tensor) SplitEvenly(axis, numParts int) ([]*Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	if numParts <= 0 {
		return nil, errors.Errorf("Tensor.SplitEvenly(axis=%d, numParts=%d): numParts must be > 0", axis, numParts)
	}
	adjustedAxis, err := shapes.NormalizeAxis(axis, t.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "Tensor.SplitEvenly(axis=%d) on %s", axis, t.shape)
	}
	dim := t.shape.Dimensions[adjustedAxis]
	if dim%numParts != 0 {
		return nil, errors.Errorf("Tensor.SplitEvenly(axis=%d, numParts=%d): dimension %d is not divisible (shape %s)",
			axis, numParts, dim, t.shape)
	}
	sizes := make([]int, numParts)
	for ii := range sizes {
		sizes[ii] = dim / numParts
	}
	return t.Split(adjustedAxis, sizes)
}

// Contiguous returns t itself if it is already contiguous, otherwise a contiguous copy of it (see Clone).
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	return t.Clone()
}

// Clone returns an independent contiguous copy of t: it never shares storage with t.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	size := t.Size()
	flatV := reflect.MakeSlice(reflect.SliceOf(t.shape.DType.GoType()), size, size)
	t.copyInto(flatV, 0)
	return newTensorWithFlat(t.shape.Clone(), flatV.Interface())
}

// AssertValid panics if the tensor is nil or its shape is invalid.
func (t *Tensor) AssertValid() {
	if err := t.CheckValid(); err != nil {
		panic(err)
	}
}

// flatWindow returns the window of the storage holding the tensor's elements.
// It must only be called on contiguous tensors.
func (t *Tensor) flatWindow() reflect.Value {
	return reflect.ValueOf(t.storage.flat).Slice(t.offset, t.offset+t.Size())
}

// copyInto copies t's elements, in row-major order, into dst starting at position pos.
// It returns the position after the last element written.
func (t *Tensor) copyInto(dst reflect.Value, pos int) int {
	size := t.Size()
	if size == 0 {
		return pos
	}
	if t.IsContiguous() {
		reflect.Copy(dst.Slice(pos, pos+size), t.flatWindow())
		return pos + size
	}

	// Scalars are always contiguous, so rank >= 1 here.
	src := reflect.ValueOf(t.storage.flat)
	lastAxis := t.Rank() - 1
	inner := t.shape.Dimensions[lastAxis]
	innerStride := t.strides[lastAxis]
	outerShape := shapes.Shape{DType: t.shape.DType, Dimensions: t.shape.Dimensions[:lastAxis]}
	for indices := range outerShape.Iter() {
		start := t.offset
		for axis, idx := range indices {
			start += idx * t.strides[axis]
		}
		if innerStride == 1 {
			reflect.Copy(dst.Slice(pos, pos+inner), src.Slice(start, start+inner))
			pos += inner
			continue
		}
		for ii := range inner {
			dst.Index(pos).Set(src.Index(start + ii*innerStride))
			pos++
		}
	}
	return pos
}

// Concatenate tensors along the given axis, in order, into a new contiguous tensor.
//
// All tensors must have the same DType and rank, and the same dimensions on every axis other than
// the concatenation axis. The axis can be negative, counting from the end.
func Concatenate(axis int, tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("Concatenate requires at least one tensor")
	}
	for ii, t := range tensors {
		if err := t.CheckValid(); err != nil {
			return nil, errors.WithMessagef(err, "Concatenate: tensor #%d", ii)
		}
	}
	first := tensors[0].shape
	adjustedAxis, err := shapes.NormalizeAxis(axis, first.Rank())
	if err != nil {
		return nil, errors.WithMessagef(err, "Concatenate(axis=%d) of %s", axis, first)
	}
	concatDim := 0
	for ii, t := range tensors {
		s := t.shape
		if s.DType != first.DType || s.Rank() != first.Rank() {
			return nil, errors.Errorf("Concatenate(axis=%d): tensor #%d has shape %s, incompatible with tensor #0 shape %s",
				axis, ii, s, first)
		}
		for otherAxis, dim := range s.Dimensions {
			if otherAxis != adjustedAxis && dim != first.Dimensions[otherAxis] {
				return nil, errors.Errorf("Concatenate(axis=%d): tensor #%d has shape %s, incompatible with tensor #0 shape %s on axis %d",
					axis, ii, s, first, otherAxis)
			}
		}
		concatDim += s.Dimensions[adjustedAxis]
	}
	outputShape := first.WithDim(adjustedAxis, concatDim)
	size := outputShape.Size()
	dstV := reflect.MakeSlice(reflect.SliceOf(outputShape.DType.GoType()), size, size)
	if size == 0 {
		return newTensorWithFlat(outputShape, dstV.Interface()), nil
	}

	// Each input contributes one block of (dim_i(axis) * innerSize) contiguous elements per outer index.
	outerSize := 1
	for _, dim := range first.Dimensions[:adjustedAxis] {
		outerSize *= dim
	}
	innerSize := 1
	for _, dim := range first.Dimensions[adjustedAxis+1:] {
		innerSize *= dim
	}
	srcs := make([]reflect.Value, len(tensors))
	blockSizes := make([]int, len(tensors))
	for ii, t := range tensors {
		srcs[ii] = t.Contiguous().flatWindow()
		blockSizes[ii] = t.shape.Dimensions[adjustedAxis] * innerSize
	}
	pos := 0
	for outer := range outerSize {
		for ii, src := range srcs {
			blockSize := blockSizes[ii]
			if blockSize == 0 {
				continue
			}
			start := outer * blockSize
			reflect.Copy(dstV.Slice(pos, pos+blockSize), src.Slice(start, start+blockSize))
			pos += blockSize
		}
	}
	return newTensorWithFlat(outputShape, dstV.Interface()), nil
}

// MustConcatenate is like Concatenate, but panics on error.
func MustConcatenate(axis int, tensors ...*Tensor) *Tensor {
	t, err := Concatenate(axis, tensors...)
	if err != nil {
		exceptions.Panicf("MustConcatenate(axis=%d): %+v", axis, err)
	}
	return t
}
