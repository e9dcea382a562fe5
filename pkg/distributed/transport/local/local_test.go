// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package local

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/collectives/pkg/core/shapes"
	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/gomlx/collectives/pkg/distributed/collective"
	"github.com/gomlx/collectives/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// iotaFrom returns a float32 tensor with the given dimensions and values start, start+1, ...
func iotaFrom(start int, dims ...int) *tensors.Tensor {
	size := shapes.Make(dtypes.Float32, dims...).Size()
	return tensors.FromFlatDataAndDimensions(xslices.Iota(float32(start), size), dims...)
}

// newGroups creates one CommunicationGroup per worker of a new World.
func newGroups(t *testing.T, worldSize int) []*collective.CommunicationGroup {
	world, err := NewWorld(worldSize)
	require.NoError(t, err)
	world.WithTimeout(10 * time.Second)
	groups := make([]*collective.CommunicationGroup, worldSize)
	for rank := range groups {
		transport, err := world.Transport(rank)
		require.NoError(t, err)
		groups[rank], err = collective.NewCommunicationGroup(collective.Membership{WorldSize: worldSize, Rank: rank}, transport)
		require.NoError(t, err)
	}
	return groups
}

// allToAll runs AllToAll on every group concurrently, one goroutine per worker, with the input and spec
// given for each rank.
func allToAll(groups []*collective.CommunicationGroup, inputs []*tensors.Tensor, specs []collective.ExchangeSpec) ([]*tensors.Tensor, []error) {
	outputs := make([]*tensors.Tensor, len(groups))
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for rank, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outputs[rank], errs[rank] = g.AllToAll(inputs[rank], specs[rank])
		}()
	}
	wg.Wait()
	return outputs, errs
}

// sameSpec returns the spec repeated for every worker.
func sameSpec(worldSize int, spec collective.ExchangeSpec) []collective.ExchangeSpec {
	specs := make([]collective.ExchangeSpec, worldSize)
	for ii := range specs {
		specs[ii] = spec
	}
	return specs
}

func TestAllToAll(t *testing.T) {
	const worldSize = 4
	groups := newGroups(t, worldSize)
	inputs := make([]*tensors.Tensor, worldSize)
	for rank := range inputs {
		inputs[rank] = iotaFrom(rank*64, 4, 16)
	}
	outputs, errs := allToAll(groups, inputs, sameSpec(worldSize, collective.NewExchange(0, 1)))
	for rank := range worldSize {
		require.NoError(t, errs[rank], "rank %d", rank)
		out := outputs[rank]
		assert.Equal(t, []int{1, 64}, out.Shape().Dimensions)

		// Worker j receives row j of every worker's input, concatenated in rank order.
		var want []float32
		for src := range worldSize {
			want = append(want, xslices.Iota(float32(src*64+rank*16), 16)...)
		}
		assert.Equal(t, want, tensors.MustCopyFlatData[float32](out), "rank %d", rank)
		assert.False(t, out.SharesStorage(inputs[rank]))
	}
}

func TestAllToAllInverse(t *testing.T) {
	testCases := []struct {
		worldSize             int
		dims                  []int
		scatterDim, gatherDim int
	}{
		{2, []int{4, 6}, 0, 1},
		{3, []int{3, 2, 6}, 2, 0},
		{3, []int{6, 5}, 0, 0},
		{4, []int{2, 8, 3}, 1, 2},
		{2, []int{8}, 0, 0},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("W=%d/%v/%d->%d", tc.worldSize, tc.dims, tc.scatterDim, tc.gatherDim), func(t *testing.T) {
			groups := newGroups(t, tc.worldSize)
			size := shapes.Make(dtypes.Float32, tc.dims...).Size()
			inputs := make([]*tensors.Tensor, tc.worldSize)
			for rank := range inputs {
				inputs[rank] = iotaFrom(rank*size, tc.dims...)
			}
			exchanged, errs := allToAll(groups, inputs, sameSpec(tc.worldSize, collective.NewExchange(tc.scatterDim, tc.gatherDim)))
			for rank, err := range errs {
				require.NoError(t, err, "rank %d", rank)
			}
			// Exchanging back, with the dims swapped, recovers the inputs.
			recovered, errs := allToAll(groups, exchanged, sameSpec(tc.worldSize, collective.NewExchange(tc.gatherDim, tc.scatterDim)))
			for rank, err := range errs {
				require.NoError(t, err, "rank %d", rank)
				assert.True(t, recovered[rank].Equal(inputs[rank]), "rank %d: got %s, wanted %s", rank, recovered[rank], inputs[rank])
			}
		})
	}
}

func TestAllToAllUnevenSizes(t *testing.T) {
	// Worker r sends r+1 rows to each worker: ScatterSizes differ per worker, and every worker
	// receives from worker r a piece of r+1 rows.
	const worldSize = 3
	groups := newGroups(t, worldSize)
	inputs := make([]*tensors.Tensor, worldSize)
	specs := make([]collective.ExchangeSpec, worldSize)
	for rank := range inputs {
		rows := rank + 1
		inputs[rank] = iotaFrom(rank*100, worldSize*rows, 2)
		specs[rank] = collective.NewExchange(0, 0).
			WithScatterSizes(rows, rows, rows).
			WithGatherSizes(1, 2, 3)
	}
	outputs, errs := allToAll(groups, inputs, specs)
	for rank := range worldSize {
		require.NoError(t, errs[rank], "rank %d", rank)
		assert.Equal(t, []int{6, 2}, outputs[rank].Shape().Dimensions)
		var want []float32
		for src := range worldSize {
			rows := src + 1
			want = append(want, xslices.Iota(float32(src*100+rank*rows*2), rows*2)...)
		}
		assert.Equal(t, want, tensors.MustCopyFlatData[float32](outputs[rank]), "rank %d", rank)
	}
}

func TestAllToAllGatherMismatch(t *testing.T) {
	const worldSize = 2
	groups := newGroups(t, worldSize)
	inputs := []*tensors.Tensor{iotaFrom(0, 2, 4), iotaFrom(0, 2, 6)}
	_, errs := allToAll(groups, inputs, sameSpec(worldSize, collective.NewExchange(0, 1)))
	for rank, err := range errs {
		require.ErrorIs(t, err, collective.ErrSizeMismatch, "rank %d", rank)
	}

	// Explicit gather sizes that don't match what is received.
	groups = newGroups(t, worldSize)
	inputs = []*tensors.Tensor{iotaFrom(0, 2, 4), iotaFrom(0, 2, 4)}
	_, errs = allToAll(groups, inputs, sameSpec(worldSize, collective.NewExchange(0, 1).WithGatherSizes(4, 5)))
	for rank, err := range errs {
		require.ErrorIs(t, err, collective.ErrSizeMismatch, "rank %d", rank)
	}
}

func TestAllToAllNotDivisible(t *testing.T) {
	const worldSize = 2
	groups := newGroups(t, worldSize)
	inputs := []*tensors.Tensor{iotaFrom(0, 3, 2), iotaFrom(0, 3, 2)}
	_, errs := allToAll(groups, inputs, sameSpec(worldSize, collective.DefaultExchange()))
	for rank, err := range errs {
		require.ErrorIs(t, err, collective.ErrSizeMismatch, "rank %d", rank)
	}
}

func TestTimeout(t *testing.T) {
	world, err := NewWorld(2)
	require.NoError(t, err)
	world.WithTimeout(50 * time.Millisecond)
	transport, err := world.Transport(0)
	require.NoError(t, err)
	_, err = transport.AllToAll(iotaFrom(0, 2, 2), 0, 1, nil, nil)
	require.ErrorIs(t, err, ErrTimeout, "worker 1 never joins the exchange")
}

func TestWorld(t *testing.T) {
	_, err := NewWorld(0)
	require.Error(t, err)
	world, err := NewWorld(3)
	require.NoError(t, err)
	assert.Equal(t, 3, world.WorldSize())
	transport, err := world.Transport(2)
	require.NoError(t, err)
	assert.Equal(t, 2, transport.Rank())
	assert.Same(t, world, transport.World())
	_, err = world.Transport(3)
	require.Error(t, err)
}

func TestJoin(t *testing.T) {
	name := t.Name()
	m0 := collective.Membership{WorldSize: 2, Rank: 0}
	m1 := collective.Membership{WorldSize: 2, Rank: 1}

	t0, err := Join(name, m0)
	require.NoError(t, err)
	_, err = Join(name, m0)
	require.Error(t, err, "rank 0 already joined")
	_, err = Join(name, collective.Membership{WorldSize: 3, Rank: 1})
	require.Error(t, err, "world size mismatch")

	// The registered transport joins named worlds too.
	t1, err := collective.NewTransportWithConfig(TransportName+":"+name, m1)
	require.NoError(t, err)
	assert.Same(t, t0.World(), t1.(*Transport).World())

	g0, err := collective.NewCoordinator(m0, t0)
	require.NoError(t, err)
	g1, err := collective.NewCoordinator(m1, t1)
	require.NoError(t, err)
	var wg sync.WaitGroup
	var out1 *tensors.Tensor
	var err1 error
	wg.Add(1)
	go func() {
		defer wg.Done()
		out1, err1 = g1.AllToAll(iotaFrom(10, 2), collective.DefaultExchange())
	}()
	out0, err := g0.AllToAll(iotaFrom(0, 2), collective.DefaultExchange())
	wg.Wait()
	require.NoError(t, err)
	require.NoError(t, err1)
	assert.Equal(t, []float32{0, 10}, tensors.MustCopyFlatData[float32](out0))
	assert.Equal(t, []float32{1, 11}, tensors.MustCopyFlatData[float32](out1))
}
