// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collective coordinates collective operations among a fixed group of cooperating workers.
//
// A CommunicationGroup represents the workers of one group (its "world"), and exposes the AllToAll
// collective: every worker splits its local tensor along a scatter axis into WorldSize pieces, sends
// piece i to worker i, and concatenates what it receives from every worker (in rank order) along a
// gather axis.
//
// The group validates and normalizes the exchange parameters and then delegates the data movement to
// a CollectiveTransport, an injected strategy (see the transport/local and transport/tcp packages).
// A group of one worker never calls its transport: AllToAll returns the input unchanged.
//
// AllToAll is a blocking collective: every worker in the group must call it with shape-compatible
// parameters, in the same relative order as every other worker. Nothing at this level sequences
// calls across workers or detects deadlocks.
//
// Errors are synchronous and returned to the caller. Notice that when one worker fails locally (for
// instance with an invalid dimension), the other workers already waiting in the same collective are
// not notified nor unblocked: that is inherent to the primitive. Callers that need bounded waits must
// configure them on the transport (e.g. tcp.Config.Timeout) or use an external failure detector.
package collective

import (
	"github.com/gomlx/collectives/pkg/core/shapes"
	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrInvalidDimension is returned (wrapped) when the scatter or gather dim, after normalization,
	// falls outside [0, rank) of the input tensor. It is detected locally, before any transport call.
	ErrInvalidDimension = errors.New("invalid exchange dimension")

	// ErrInvalidSizes is returned (wrapped) when ScatterSizes or GatherSizes are given with a length
	// different from the group's world size. It is detected locally, before any transport call.
	ErrInvalidSizes = errors.New("invalid exchange sizes")
)

// CommunicationGroup is a fixed set of cooperating workers that can execute collective operations together.
//
// It is immutable after construction and holds no state shared across calls, so it needs no locking.
// Concurrent AllToAll calls on the same group are only as safe as the transport makes them.
type CommunicationGroup struct {
	worldSize, rank int

	// transport is shared, not owned: its lifetime is managed by whoever created the group.
	transport CollectiveTransport
}

// Compile-time check that CommunicationGroup implements Coordinator.
var _ Coordinator = (*CommunicationGroup)(nil)

// NewCommunicationGroup creates the group for the worker described by membership, using transport for the
// actual exchanges.
//
// The transport may be nil only for a group of one worker, which never uses it.
// The group doesn't take ownership of the transport: closing it is up to the caller.
func NewCommunicationGroup(membership Membership, transport CollectiveTransport) (*CommunicationGroup, error) {
	if err := membership.Validate(); err != nil {
		return nil, err
	}
	if transport == nil && membership.WorldSize > 1 {
		return nil, errors.Errorf("NewCommunicationGroup(%s): a transport is required for groups with more than one worker",
			membership)
	}
	return &CommunicationGroup{
		worldSize: membership.WorldSize,
		rank:      membership.Rank,
		transport: transport,
	}, nil
}

// WorldSize returns the number of workers in the group.
func (g *CommunicationGroup) WorldSize() int { return g.worldSize }

// Rank returns the 0-based index of this worker in the group.
func (g *CommunicationGroup) Rank() int { return g.rank }

// Membership returns the world size and rank of this worker.
func (g *CommunicationGroup) Membership() Membership {
	return Membership{WorldSize: g.worldSize, Rank: g.rank}
}

// Transport returns the transport used by the group. It may be nil for a group of one worker.
func (g *CommunicationGroup) Transport() CollectiveTransport { return g.transport }

// AllToAll exchanges pieces of input among all workers of the group: the input is split into WorldSize
// pieces along spec.ScatterDim (sized by spec.ScatterSizes, or evenly), piece i is sent to worker i, and the
// pieces received from every worker are concatenated along spec.GatherDim in rank order.
//
// Dims may be negative, counting from the end of the input's axes (-1 is the last axis). They are normalized
// by adding the input's rank, and the result must be in [0, rank), otherwise an error wrapping
// ErrInvalidDimension is returned.
//
// With a world size of 1 the input itself is returned: no transport call and no copy.
//
// Notice the zero ExchangeSpec{} gathers along axis 0. Use DefaultExchange (scatter along axis 0, gather
// along the last axis) or NewExchange to start from the usual defaults.
//
// Otherwise, if given, ScatterSizes and GatherSizes must have one entry per worker (ErrInvalidSizes), and the
// normalized dims and the sizes are handed to the transport. Any error from the transport is returned
// unchanged: it is neither retried nor wrapped.
func (g *CommunicationGroup) AllToAll(input *tensors.Tensor, spec ExchangeSpec) (*tensors.Tensor, error) {
	if err := input.CheckValid(); err != nil {
		return nil, errors.WithMessage(err, "AllToAll input")
	}
	shape := input.Shape()
	scatterDim, err := normalizeDim("scatter", spec.ScatterDim, shape)
	if err != nil {
		return nil, err
	}
	gatherDim, err := normalizeDim("gather", spec.GatherDim, shape)
	if err != nil {
		return nil, err
	}
	if g.worldSize == 1 {
		return input, nil
	}
	if err := g.checkSizes("scatter", spec.ScatterSizes); err != nil {
		return nil, err
	}
	if err := g.checkSizes("gather", spec.GatherSizes); err != nil {
		return nil, err
	}
	if klog.V(1).Enabled() {
		klog.Infof("AllToAll(rank %d/%d): input=%s scatterDim=%d gatherDim=%d scatterSizes=%v gatherSizes=%v",
			g.rank, g.worldSize, shape, scatterDim, gatherDim, spec.ScatterSizes, spec.GatherSizes)
	}
	return g.transport.AllToAll(input, scatterDim, gatherDim, spec.ScatterSizes, spec.GatherSizes)
}

// normalizeDim applies shapes.NormalizeAxis and reports failures as ErrInvalidDimension.
func normalizeDim(name string, dim int, shape shapes.Shape) (int, error) {
	adjusted, err := shapes.NormalizeAxis(dim, shape.Rank())
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidDimension, "invalid %s dim (%d) for input tensor with shape %s", name, dim, shape)
	}
	return adjusted, nil
}

// checkSizes verifies that, if given, sizes has one entry per worker.
func (g *CommunicationGroup) checkSizes(name string, sizes []int) error {
	if sizes == nil || len(sizes) == g.worldSize {
		return nil
	}
	return errors.Wrapf(ErrInvalidSizes, "%s sizes %v has %d elements, but the group has %d workers",
		name, sizes, len(sizes), g.worldSize)
}
