// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"slices"

	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ExchangeSpec holds the parameters of one AllToAll call.
//
// ScatterDim and GatherDim may be negative, counting from the end of the input's axes.
// ScatterSizes and GatherSizes are optional (nil): if given they must have one entry per worker.
//
// Notice the zero value scatters and gathers along axis 0; use DefaultExchange for the
// usual defaults (scatter along the first axis, gather along the last).
type ExchangeSpec struct {
	ScatterDim, GatherDim int

	// ScatterSizes[i] is the size along ScatterDim of the piece sent to worker i.
	// If nil, the scatter dimension is split evenly.
	ScatterSizes []int

	// GatherSizes[i] is the size along GatherDim of the piece received from worker i.
	// If nil, every received piece is expected to have the local piece's size.
	GatherSizes []int
}

// DefaultExchange returns the default ExchangeSpec: scatter along axis 0, gather along the last axis (-1),
// no explicit sizes.
func DefaultExchange() ExchangeSpec {
	return ExchangeSpec{ScatterDim: 0, GatherDim: -1}
}

// NewExchange returns an ExchangeSpec for the given dims, with no explicit sizes.
func NewExchange(scatterDim, gatherDim int) ExchangeSpec {
	return ExchangeSpec{ScatterDim: scatterDim, GatherDim: gatherDim}
}

// WithScatterSizes returns a copy of the spec with the given scatter sizes, one per worker.
// Calling it with no sizes sets an empty (not absent) list, which AllToAll rejects for any group
// with more than one worker.
func (s ExchangeSpec) WithScatterSizes(sizes ...int) ExchangeSpec {
	s.ScatterSizes = cloneSizes(sizes)
	return s
}

// WithGatherSizes returns a copy of the spec with the given gather sizes, one per worker.
// As with WithScatterSizes, no sizes means an empty list, not an absent one.
func (s ExchangeSpec) WithGatherSizes(sizes ...int) ExchangeSpec {
	s.GatherSizes = cloneSizes(sizes)
	return s
}

// cloneSizes copies sizes, always returning a non-nil slice: nil is reserved for "sizes not given".
func cloneSizes(sizes []int) []int {
	if sizes == nil {
		return []int{}
	}
	return slices.Clone(sizes)
}

// ErrSizeMismatch is returned (wrapped) by transports when what a worker scatters doesn't match the
// dimension being split, or when a received piece doesn't match what the worker expected to gather.
var ErrSizeMismatch = errors.New("exchange size mismatch")

// PieceSizes returns the size of each of the worldSize pieces a dimension of size dim is split into.
//
// This is the partitioning contract every transport honors: with explicit sizes, they must have one
// non-negative entry per worker and add up to dim; without them, dim must be divisible by worldSize and
// all pieces have the same size. No remainder piece is ever produced.
func PieceSizes(dim int, sizes []int, worldSize int) ([]int, error) {
	if sizes == nil {
		if worldSize <= 0 || dim%worldSize != 0 {
			return nil, errors.Wrapf(ErrSizeMismatch, "dimension %d is not divisible by world size %d", dim, worldSize)
		}
		pieces := make([]int, worldSize)
		for ii := range pieces {
			pieces[ii] = dim / worldSize
		}
		return pieces, nil
	}
	if len(sizes) != worldSize {
		return nil, errors.Wrapf(ErrSizeMismatch, "sizes %v has %d elements, expected one per worker (%d)",
			sizes, len(sizes), worldSize)
	}
	total := 0
	for ii, size := range sizes {
		if size < 0 {
			return nil, errors.Wrapf(ErrSizeMismatch, "sizes %v has a negative size for worker %d", sizes, ii)
		}
		total += size
	}
	if total != dim {
		return nil, errors.Wrapf(ErrSizeMismatch, "sizes %v add up to %d, but the dimension has size %d", sizes, total, dim)
	}
	return slices.Clone(sizes), nil
}

// ScatterPieces splits input along scatterDim into one piece per worker, following PieceSizes.
// The pieces are views of input.
func ScatterPieces(input *tensors.Tensor, scatterDim int, scatterSizes []int, worldSize int) ([]*tensors.Tensor, error) {
	sizes, err := PieceSizes(input.Shape().Dimensions[scatterDim], scatterSizes, worldSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "scattering %s along axis %d", input.Shape(), scatterDim)
	}
	return input.Split(scatterDim, sizes)
}

// GatherPieces concatenates the pieces received from every worker (indexed by source rank) along gatherDim.
//
// If gatherSizes is given, the piece from worker i must have size gatherSizes[i] along gatherDim. Otherwise
// every piece must have the same size along gatherDim as local, the piece this worker kept for itself.
// Any other discrepancy between pieces is also reported as ErrSizeMismatch.
func GatherPieces(pieces []*tensors.Tensor, local *tensors.Tensor, gatherDim int, gatherSizes []int) (*tensors.Tensor, error) {
	if gatherSizes != nil && len(gatherSizes) != len(pieces) {
		return nil, errors.Wrapf(ErrSizeMismatch, "gather sizes %v has %d elements, but %d pieces were received",
			gatherSizes, len(gatherSizes), len(pieces))
	}
	localShape := local.Shape()
	for source, piece := range pieces {
		shape := piece.Shape()
		if shape.DType != localShape.DType || shape.Rank() != localShape.Rank() {
			return nil, errors.Wrapf(ErrSizeMismatch, "piece from worker %d has shape %s, incompatible with local piece %s",
				source, shape, localShape)
		}
		want := localShape.Dimensions[gatherDim]
		if gatherSizes != nil {
			want = gatherSizes[source]
		}
		if got := shape.Dimensions[gatherDim]; got != want {
			return nil, errors.Wrapf(ErrSizeMismatch, "piece from worker %d has size %d along gather axis %d, expected %d",
				source, got, gatherDim, want)
		}
		for axis, dim := range shape.Dimensions {
			if axis != gatherDim && dim != localShape.Dimensions[axis] {
				return nil, errors.Wrapf(ErrSizeMismatch, "piece from worker %d has shape %s, incompatible with local piece %s on axis %d",
					source, shape, localShape, axis)
			}
		}
	}
	return tensors.Concatenate(gatherDim, pieces...)
}
