// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// Even scalar values have a flattened data representation of one element.
//
// For contiguous tensors accessFn gets the tensor's own storage window (not a copy): it should not be changed,
// since it may be shared with other views. Non-contiguous views are materialized first.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if err := t.CheckValid(); err != nil {
		return err
	}
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	flat, ok := t.Contiguous().flatWindow().Interface().([]T)
	if !ok {
		var v T
		return errors.Errorf("ConstFlatData[%T]: Tensor %s is stored as %s, use that Go type instead",
			v, t.shape, reflect.SliceOf(t.shape.DType.GoType()))
	}
	accessFn(flat)
	return nil
}

// CopyFlatData returns a copy of the flat data of the Tensor, in row-major order.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var flatCopy []T
	err := ConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	if err != nil {
		return nil, err
	}
	return flatCopy, nil
}

// MustCopyFlatData returns a copy of the flat data of the Tensor, in row-major order.
//
// It panics if the tensor is invalid or T doesn't match the tensor's dtype.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, err := CopyFlatData[T](t)
	if err != nil {
		exceptions.Panicf("MustCopyFlatData: %+v", err)
	}
	return flat
}

// flatValue returns the tensor's elements in row-major order, as a slice of the DType's Go type.
// It may return the tensor's own storage window.
func (t *Tensor) flatValue() any {
	return t.Contiguous().flatWindow().Interface()
}

// Equal checks whether t and otherTensor have the same shape and elements.
// Views are compared by their contents, not by their storage.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t.CheckValid() != nil || otherTensor.CheckValid() != nil {
		return false
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	return reflect.DeepEqual(t.flatValue(), otherTensor.flatValue())
}

// maxStringElements is the largest number of elements printed by Tensor.String.
const maxStringElements = 64

// String returns a short description of the tensor: its shape and, for small tensors, its flat values.
func (t *Tensor) String() string {
	if err := t.CheckValid(); err != nil {
		return fmt.Sprintf("Tensor(invalid: %v)", err)
	}
	if t.Size() > maxStringElements {
		return fmt.Sprintf("%s: (%d elements)", t.shape, t.Size())
	}
	return fmt.Sprintf("%s: %v", t.shape, t.flatValue())
}
