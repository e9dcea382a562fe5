// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"testing"

	"github.com/gomlx/collectives/pkg/core/shapes"
	"github.com/gomlx/collectives/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// iotaTensor returns a float32 tensor with the given dimensions and values 0, 1, 2, ...
func iotaTensor(dims ...int) *Tensor {
	return FromFlatDataAndDimensions(xslices.Iota[float32](0, shapes.Make(dtypes.Float32, dims...).Size()), dims...)
}

func TestConstructors(t *testing.T) {
	zeros := FromShape(shapes.Make(dtypes.Int32, 2, 3))
	assert.Equal(t, []int32{0, 0, 0, 0, 0, 0}, MustCopyFlatData[int32](zeros))
	assert.True(t, zeros.IsContiguous())

	scalar := FromScalar(float64(7))
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, []float64{7}, MustCopyFlatData[float64](scalar))

	data := []float32{1, 2, 3, 4}
	t1 := FromFlatDataAndDimensions(data, 2, 2)
	data[0] = 100
	assert.Equal(t, []float32{1, 2, 3, 4}, MustCopyFlatData[float32](t1), "data must be copied")

	assert.Panics(t, func() { _ = FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 2) })

	_, err := CopyFlatData[int32](t1)
	require.Error(t, err, "dtype mismatch")
}

func TestNarrow(t *testing.T) {
	x := iotaTensor(3, 4)

	rows, err := x.Narrow(0, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, rows.Shape().Dimensions)
	assert.True(t, rows.IsContiguous(), "narrowing the leading axis keeps contiguity")
	assert.True(t, rows.SharesStorage(x))
	assert.Equal(t, []float32{4, 5, 6, 7, 8, 9, 10, 11}, MustCopyFlatData[float32](rows))

	cols, err := x.Narrow(-1, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, cols.Shape().Dimensions)
	assert.False(t, cols.IsContiguous())
	assert.True(t, cols.SharesStorage(x))
	assert.Equal(t, []float32{1, 2, 5, 6, 9, 10}, MustCopyFlatData[float32](cols))

	// Narrowing a view of a view.
	inner, err := cols.Narrow(0, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 10}, MustCopyFlatData[float32](inner))

	_, err = x.Narrow(0, 2, 2)
	require.Error(t, err)
	_, err = x.Narrow(2, 0, 1)
	require.ErrorIs(t, err, shapes.ErrAxisOutOfRange)
}

func TestSplit(t *testing.T) {
	x := iotaTensor(2, 6)
	parts, err := x.Split(1, []int{1, 0, 3, 2})
	require.NoError(t, err)
	require.Len(t, parts, 4)
	assert.Equal(t, []float32{0, 6}, MustCopyFlatData[float32](parts[0]))
	assert.Equal(t, 0, parts[1].Size())
	assert.Equal(t, []float32{1, 2, 3, 7, 8, 9}, MustCopyFlatData[float32](parts[2]))
	assert.Equal(t, []float32{4, 5, 10, 11}, MustCopyFlatData[float32](parts[3]))

	_, err = x.Split(1, []int{1, 2})
	require.Error(t, err, "sizes must add up to the dimension")
	_, err = x.Split(1, []int{7, -1})
	require.Error(t, err, "negative sizes")

	even, err := x.SplitEvenly(1, 3)
	require.NoError(t, err)
	require.Len(t, even, 3)
	for _, part := range even {
		assert.Equal(t, []int{2, 2}, part.Shape().Dimensions)
	}
	_, err = x.SplitEvenly(1, 4)
	require.Error(t, err)
	_, err = x.SplitEvenly(0, 0)
	require.Error(t, err)
}

func TestContiguousAndClone(t *testing.T) {
	x := iotaTensor(4, 3)
	assert.Same(t, x, x.Contiguous())

	clone := x.Clone()
	assert.NotSame(t, x, clone)
	assert.False(t, clone.SharesStorage(x))
	assert.True(t, clone.Equal(x))

	view, err := x.Narrow(1, 1, 1)
	require.NoError(t, err)
	assert.False(t, view.IsContiguous())
	c := view.Contiguous()
	assert.True(t, c.IsContiguous())
	assert.False(t, c.SharesStorage(x))
	assert.Equal(t, []int{1, 1}, c.Strides())
	assert.Equal(t, []float32{1, 4, 7, 10}, MustCopyFlatData[float32](c))
	assert.True(t, view.Equal(c))
}

func TestConcatenate(t *testing.T) {
	testCases := []struct {
		axis    int
		dims    [][]int
		want    []int
		wantErr bool
	}{
		{0, [][]int{{1, 3}, {2, 3}}, []int{3, 3}, false},
		{1, [][]int{{2, 1}, {2, 4}}, []int{2, 5}, false},
		{-1, [][]int{{2, 2, 1}, {2, 2, 3}}, []int{2, 2, 4}, false},
		{0, [][]int{{0, 3}, {2, 3}}, []int{2, 3}, false},
		{0, [][]int{{1, 3}, {1, 4}}, nil, true},
		{2, [][]int{{1, 3}, {1, 3}}, nil, true},
		{0, [][]int{{3}, {1, 3}}, nil, true},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("axis=%d/%v", tc.axis, tc.dims), func(t *testing.T) {
			inputs := xslices.Map(tc.dims, func(dims []int) *Tensor { return iotaTensor(dims...) })
			got, err := Concatenate(tc.axis, inputs...)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Shape().Dimensions)
			assert.True(t, got.IsContiguous())

			// Splitting back along the same axis recovers the inputs.
			axis, err := shapes.NormalizeAxis(tc.axis, got.Rank())
			require.NoError(t, err)
			sizes := xslices.Map(inputs, func(in *Tensor) int { return in.Shape().Dimensions[axis] })
			parts, err := got.Split(axis, sizes)
			require.NoError(t, err)
			for ii, part := range parts {
				assert.True(t, part.Equal(inputs[ii]), "part #%d: got %s, wanted %s", ii, part, inputs[ii])
			}
		})
	}

	t.Run("values", func(t *testing.T) {
		a := FromFlatDataAndDimensions([]int32{1, 2, 3, 4}, 2, 2)
		b := FromFlatDataAndDimensions([]int32{5, 6}, 2, 1)
		got := MustConcatenate(1, a, b)
		assert.Equal(t, []int32{1, 2, 5, 3, 4, 6}, MustCopyFlatData[int32](got))
	})

	t.Run("views", func(t *testing.T) {
		x := iotaTensor(2, 4)
		parts, err := x.SplitEvenly(1, 2)
		require.NoError(t, err)
		got, err := Concatenate(1, parts[1], parts[0])
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 3, 0, 1, 6, 7, 4, 5}, MustCopyFlatData[float32](got))
	})

	t.Run("dtype mismatch", func(t *testing.T) {
		_, err := Concatenate(0, iotaTensor(1, 2), FromFlatDataAndDimensions([]int32{1, 2}, 1, 2))
		require.Error(t, err)
	})

	_, err := Concatenate(0)
	require.Error(t, err)
	assert.Panics(t, func() { _ = MustConcatenate(0) })
}

func TestGob(t *testing.T) {
	t.Run("float32 view", func(t *testing.T) {
		x := iotaTensor(3, 4)
		view, err := x.Narrow(1, 1, 2)
		require.NoError(t, err)
		buf := &bytes.Buffer{}
		require.NoError(t, view.GobSerialize(gob.NewEncoder(buf)))
		got, err := GobDeserialize(gob.NewDecoder(buf))
		require.NoError(t, err)
		assert.True(t, got.IsContiguous())
		assert.True(t, got.Equal(view), "got %s, wanted %s", got, view)
	})

	t.Run("float16", func(t *testing.T) {
		data := xslices.Map([]float32{0.5, -1, 2, 1024}, float16.Fromfloat32)
		x := FromFlatDataAndDimensions(data, 2, 2)
		assert.Equal(t, dtypes.Float16, x.DType())
		buf := &bytes.Buffer{}
		require.NoError(t, x.GobSerialize(gob.NewEncoder(buf)))
		got, err := GobDeserialize(gob.NewDecoder(buf))
		require.NoError(t, err)
		assert.Equal(t, data, MustCopyFlatData[float16.Float16](got))
	})

	t.Run("zero-sized", func(t *testing.T) {
		x := FromShape(shapes.Make(dtypes.Int64, 0, 3))
		buf := &bytes.Buffer{}
		encoder := gob.NewEncoder(buf)
		require.NoError(t, x.GobSerialize(encoder))
		require.NoError(t, FromScalar(int64(5)).GobSerialize(encoder))
		decoder := gob.NewDecoder(buf)
		got, err := GobDeserialize(decoder)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 3}, got.Shape().Dimensions)
		got, err = GobDeserialize(decoder)
		require.NoError(t, err)
		assert.Equal(t, []int64{5}, MustCopyFlatData[int64](got))
	})
}

func TestGobUnknownDType(t *testing.T) {
	buf := &bytes.Buffer{}
	encoder := gob.NewEncoder(buf)
	require.NoError(t, encoder.Encode(dtypes.DType(250)))
	require.NoError(t, encoder.Encode([]int{2}))
	require.NoError(t, encoder.Encode([]float32{1, 2}))
	var got *Tensor
	var err error
	require.NotPanics(t, func() { got, err = GobDeserialize(gob.NewDecoder(buf)) })
	require.Error(t, err)
	assert.Nil(t, got)
}

func TestString(t *testing.T) {
	x := FromFlatDataAndDimensions([]int32{1, 2}, 2)
	assert.Equal(t, "(Int32)[2]: [1 2]", x.String())
	var nilTensor *Tensor
	assert.Contains(t, nilTensor.String(), "invalid")
	assert.Contains(t, iotaTensor(10, 10).String(), "100 elements")
}
