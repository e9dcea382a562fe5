// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package partition splits tensors into equal shards, typically before sending one shard per worker.
//
// It is independent of any communication group or transport.
package partition

import (
	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrNotDivisible is returned (wrapped) when a dimension can't be split into the requested number of
// equal partitions.
var ErrNotDivisible = errors.New("not evenly divisible")

// Divide returns numerator / denominator, requiring the division to be exact.
func Divide(numerator, denominator int) (int, error) {
	if denominator <= 0 {
		return 0, errors.Errorf("cannot divide %d into %d partitions: the number of partitions must be > 0",
			numerator, denominator)
	}
	if numerator%denominator != 0 {
		return 0, errors.Wrapf(ErrNotDivisible, "%d is not divisible by %d", numerator, denominator)
	}
	return numerator / denominator, nil
}

// SplitAlongDimensionZero splits t into numPartitions slices of equal size along its first axis (axis 0).
// Slice k covers indices [k*chunk, (k+1)*chunk) of axis 0, where chunk = t.Shape().Dimensions[0] / numPartitions.
//
// The dimension of axis 0 must be divisible by numPartitions, otherwise an error wrapping ErrNotDivisible is
// returned and nothing is produced. Concatenating the returned slices along axis 0, in order, reconstructs t.
//
// If contiguous is false, the slices are views sharing t's storage: treat them as read-only.
// If contiguous is true, each slice is an independent contiguous copy.
//
// Notice the split is always along the first axis, never the last.
func SplitAlongDimensionZero(t *tensors.Tensor, numPartitions int, contiguous bool) ([]*tensors.Tensor, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	if t.Rank() == 0 {
		return nil, errors.Errorf("SplitAlongDimensionZero: cannot split a scalar %s", t.Shape())
	}
	chunkSize, err := Divide(t.Shape().Dimensions[0], numPartitions)
	if err != nil {
		return nil, errors.WithMessagef(err, "SplitAlongDimensionZero(%s, numPartitions=%d)", t.Shape(), numPartitions)
	}
	chunks := make([]*tensors.Tensor, numPartitions)
	for k := range chunks {
		chunk, err := t.Narrow(0, k*chunkSize, chunkSize)
		if err != nil {
			return nil, err
		}
		if contiguous {
			chunk = chunk.Clone()
		}
		chunks[k] = chunk
	}
	return chunks, nil
}
