// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import "github.com/pkg/errors"

// ErrAxisOutOfRange is returned (wrapped) by NormalizeAxis for axes outside [-rank, rank).
var ErrAxisOutOfRange = errors.New("axis out of range")

// NormalizeAxis maps a possibly negative axis to its non-negative index for a shape of the given rank.
//
// Negative axes count from the end: axis < 0 becomes axis+rank, so -1 is the last axis.
// The normalized axis must lie in [0, rank), otherwise an error wrapping ErrAxisOutOfRange is returned.
// A scalar (rank 0) has no valid axis.
func NormalizeAxis(axis, rank int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		return 0, errors.Wrapf(ErrAxisOutOfRange, "axis %d is invalid for rank %d, it must be in [%d, %d)",
			axis, rank, -rank, rank)
	}
	return adjusted, nil
}
