// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, uintptr(24), s.Memory())
	assert.Equal(t, "(Float32)[2 3]", s.String())
	assert.True(t, s.Ok())
	assert.False(t, s.IsScalar())

	zero := Make(dtypes.Int32, 0, 4)
	assert.True(t, zero.IsZeroSize())
	assert.Equal(t, 0, zero.Size())

	scalar := Make(dtypes.Float64)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())

	assert.Panics(t, func() { _ = Make(dtypes.Float32, 2, -1) })
	assert.False(t, Invalid().Ok())
}

func TestDim(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3, 4)
	assert.Equal(t, 4, s.Dim(-1))
	assert.Equal(t, 2, s.Dim(-3))
	assert.Equal(t, 3, s.Dim(1))
	assert.Panics(t, func() { _ = s.Dim(3) })
	assert.Panics(t, func() { _ = s.Dim(-4) })
}

func TestNormalizeAxis(t *testing.T) {
	for rank := 1; rank <= 4; rank++ {
		for axis := -rank; axis < rank; axis++ {
			t.Run(fmt.Sprintf("rank=%d/axis=%d", rank, axis), func(t *testing.T) {
				got, err := NormalizeAxis(axis, rank)
				require.NoError(t, err)
				want := axis
				if axis < 0 {
					want = axis + rank
				}
				assert.Equal(t, want, got)
			})
		}
		for _, axis := range []int{-rank - 1, rank, rank + 5, -rank - 7} {
			_, err := NormalizeAxis(axis, rank)
			require.Error(t, err, "rank=%d, axis=%d", rank, axis)
			assert.True(t, errors.Is(err, ErrAxisOutOfRange))
		}
	}

	// Scalars have no valid axis.
	_, err := NormalizeAxis(0, 0)
	require.ErrorIs(t, err, ErrAxisOutOfRange)
	_, err = NormalizeAxis(-1, 0)
	require.ErrorIs(t, err, ErrAxisOutOfRange)

	// The [2,3,4] example: -1 is the last axis.
	got, err := NormalizeAxis(-1, Make(dtypes.Float32, 2, 3, 4).Rank())
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestStridesAndIter(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3, 4)
	assert.Equal(t, []int{12, 4, 1}, s.Strides())
	assert.Nil(t, Make(dtypes.Float32).Strides())

	var visited [][]int
	for indices := range Make(dtypes.Int8, 2, 2).Iter() {
		visited = append(visited, append([]int(nil), indices...))
	}
	assert.Equal(t, [][]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}, visited)

	count := 0
	for range Make(dtypes.Int8).Iter() {
		count++
	}
	assert.Equal(t, 1, count, "a scalar has exactly one position")

	for range Make(dtypes.Int8, 3, 0).Iter() {
		t.Fatal("zero-sized shapes have no positions")
	}
}

func TestCheckDims(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	require.NoError(t, s.CheckDims(2, 3))
	require.NoError(t, s.CheckDims(-1, 3))
	require.Error(t, s.CheckDims(2))
	require.Error(t, s.CheckDims(2, 4))
}

func TestGob(t *testing.T) {
	buf := &bytes.Buffer{}
	s := Make(dtypes.Float16, 5, 1, 3)
	require.NoError(t, s.GobSerialize(gob.NewEncoder(buf)))
	got, err := GobDeserialize(gob.NewDecoder(buf))
	require.NoError(t, err)
	assert.True(t, s.Equal(got), "got %s, wanted %s", got, s)
}
