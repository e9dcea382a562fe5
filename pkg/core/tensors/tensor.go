// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array held in local memory.
//
// Tensors are defined by their shape (a data type and its axes' dimensions) and their content, stored as
// a flat slice of the Go type corresponding to the DType.
//
// A Tensor can be a view of another tensor's storage: Narrow, Split and SplitEvenly return views that
// alias the original storage (no copy), and they may not be contiguous in memory. Use Contiguous or
// Clone to materialize a view into its own row-major storage.
//
// Tensors are treated as immutable values: no operation in this package changes the contents of an
// existing tensor, they create new tensors (or views) instead. This is what makes views safe to share.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromScalar[T dtypes.Supported](value T): creates a scalar Tensor.
package tensors

import (
	"encoding/gob"
	"reflect"
	"slices"

	"github.com/gomlx/collectives/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array (from scalar with 0 dimensions, to arbitrarily large dimensions),
// defined by its shape, a data type (dtypes.DType) and its axes' dimensions.
//
// The values live in a flat storage that may be shared with other tensors (views): the element at indices
// (i_0, ..., i_{r-1}) is stored at flat position offset + sum_k(i_k * strides[k]).
type Tensor struct {
	// shape of the tensor.
	shape shapes.Shape

	// storage is shared by all views of the same data.
	storage *storage

	// offset of the first element in storage.flat.
	offset int

	// strides of each axis in storage.flat, in number of elements.
	strides []int
}

// storage holds the flat slice with the actual data, a []T for the Go type of the tensor's DType.
type storage struct {
	flat any
}

// newTensorWithFlat returns a contiguous tensor owning the given flat slice.
func newTensorWithFlat(shape shapes.Shape, flat any) *Tensor {
	return &Tensor{
		shape:   shape,
		storage: &storage{flat: flat},
		strides: shape.Strides(),
	}
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
//
// It panics if you provide an invalid shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return newTensorWithFlat(shape.Clone(), flatV.Interface())
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with a copy of the
// flattened values given in data.
//
// It panics if len(data) doesn't match the size of the given dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), len(data), len(data))
	dataV := reflect.ValueOf(data)
	if flatV.Type() == dataV.Type() {
		reflect.Copy(flatV, dataV)
	} else {
		// E.g.: Go's int is stored as int64 or int32, depending on the platform.
		elemType := flatV.Type().Elem()
		for ii := range data {
			flatV.Index(ii).Set(dataV.Index(ii).Convert(elemType))
		}
	}
	return newTensorWithFlat(shape, flatV.Interface())
}

// FromScalar returns a scalar tensor initialized with the given value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor's elements. An alias to Tensor.Shape().Memory().
// For views this is the memory of the elements viewed, not of the whole underlying storage.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Strides returns a copy of the strides (in elements) of each axis in the underlying storage.
func (t *Tensor) Strides() []int { return slices.Clone(t.strides) }

// IsContiguous reports whether the tensor's elements occupy one contiguous window of its storage
// in row-major order.
//
// Axes of dimension 1 are ignored, since their stride is never used.
func (t *Tensor) IsContiguous() bool {
	if t.shape.IsZeroSize() {
		return true
	}
	expected := 1
	for axis := t.Rank() - 1; axis >= 0; axis-- {
		dim := t.shape.Dimensions[axis]
		if dim == 1 {
			continue
		}
		if t.strides[axis] != expected {
			return false
		}
		expected *= dim
	}
	return true
}

// SharesStorage returns whether t and other are views of the same underlying storage.
func (t *Tensor) SharesStorage(other *Tensor) bool {
	return t != nil && other != nil && t.storage == other.storage
}

// CheckValid returns an error if the tensor is nil or its shape is invalid.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	if !t.shape.Ok() {
		return errors.New("Tensor shape is invalid")
	}
	return nil
}

// GobSerialize tensor in binary format: its shape followed by its elements in row-major order.
//
// Views are serialized as their (materialized) contents, the aliasing is not preserved.
func (t *Tensor) GobSerialize(encoder *gob.Encoder) error {
	if err := t.CheckValid(); err != nil {
		return err
	}
	err := t.shape.GobSerialize(encoder)
	if err != nil {
		return err
	}
	c := t.Contiguous()
	err = encoder.Encode(c.flatWindow().Interface())
	if err != nil {
		return errors.Wrapf(err, "failed to write Tensor %s data", t.shape)
	}
	return nil
}

// GobDeserialize a Tensor serialized with Tensor.GobSerialize. Returns a new contiguous Tensor or an error.
func GobDeserialize(decoder *gob.Decoder) (*Tensor, error) {
	shape, err := shapes.GobDeserialize(decoder)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to deserialize Tensor shape data")
	}
	if !shape.Ok() {
		return nil, errors.Errorf("deserialized Tensor has invalid shape %s", shape)
	}
	goType, err := goTypeOf(shape.DType)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to deserialize Tensor")
	}
	flatPtrV := reflect.New(reflect.SliceOf(goType))
	err = decoder.Decode(flatPtrV.Interface())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to deserialize Tensor %s data", shape)
	}
	flatV := flatPtrV.Elem()
	if flatV.IsNil() {
		// Empty slices may be decoded as nil.
		flatV = reflect.MakeSlice(flatV.Type(), 0, 0)
	}
	if flatV.Len() != shape.Size() {
		return nil, errors.Errorf("deserialized Tensor %s has %d elements, expected %d",
			shape, flatV.Len(), shape.Size())
	}
	return newTensorWithFlat(shape, flatV.Interface()), nil
}

// goTypeOf returns the Go type used to store elements of dtype, or an error for a dtype unknown to this
// build (e.g. one received from a peer), instead of panicking.
func goTypeOf(dtype dtypes.DType) (goType reflect.Type, err error) {
	if exception := exceptions.Try(func() { goType = dtype.GoType() }); exception != nil {
		return nil, errors.Errorf("unsupported dtype %s: %v", dtype, exception)
	}
	if goType == nil {
		return nil, errors.Errorf("unsupported dtype %s: no Go type", dtype)
	}
	return goType, nil
}
