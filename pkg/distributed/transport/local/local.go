// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package local implements an in-process collective.CollectiveTransport: the workers of a World are
// goroutines of the same process, and pieces are exchanged over channels.
//
// It is useful for tests, for running tensor-parallel code on a single host, and as the reference
// behavior for other transports. Pieces are always copied when sent, so workers never share storage,
// the same as with a networked transport.
//
// Importing the package registers it as the "local" transport, whose configuration is the name of the
// World to join (see Join).
package local

import (
	"sync"
	"time"

	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/gomlx/collectives/pkg/distributed/collective"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TransportName is the name under which the local transport is registered.
const TransportName = "local"

func init() {
	collective.RegisterTransport(TransportName, func(config string, membership collective.Membership) (collective.CollectiveTransport, error) {
		return Join(config, membership)
	})
}

// ErrTimeout is returned (wrapped) when a worker waits longer than the World's timeout for a piece.
var ErrTimeout = errors.New("timeout waiting for piece")

// World connects worldSize in-process workers.
type World struct {
	worldSize int

	// mailboxes[src][dst] carries the pieces sent by worker src to worker dst, in order.
	mailboxes [][]chan *tensors.Tensor

	// timeout for receiving a piece, 0 means wait forever.
	timeout time.Duration

	muRanks    sync.Mutex
	ranksTaken []bool
}

// NewWorld creates a World for worldSize workers. Use World.Transport to get the transport of each worker.
func NewWorld(worldSize int) (*World, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("local.NewWorld(%d): world size must be >= 1", worldSize)
	}
	w := &World{
		worldSize:  worldSize,
		mailboxes:  make([][]chan *tensors.Tensor, worldSize),
		ranksTaken: make([]bool, worldSize),
	}
	for src := range w.mailboxes {
		w.mailboxes[src] = make([]chan *tensors.Tensor, worldSize)
		for dst := range w.mailboxes[src] {
			if src != dst {
				w.mailboxes[src][dst] = make(chan *tensors.Tensor, 1)
			}
		}
	}
	return w, nil
}

// WithTimeout sets the maximum time a worker waits for each piece in AllToAll. 0 (the default) waits forever.
//
// After a timeout the World is left in an undefined state: pieces of the failed exchange may still be
// in flight. It returns the World itself, so calls can be chained.
func (w *World) WithTimeout(timeout time.Duration) *World {
	w.timeout = timeout
	return w
}

// WorldSize returns the number of workers in the World.
func (w *World) WorldSize() int { return w.worldSize }

// Transport returns the transport of the worker with the given rank.
func (w *World) Transport(rank int) (*Transport, error) {
	if rank < 0 || rank >= w.worldSize {
		return nil, errors.Errorf("local.World.Transport(%d): rank must be in [0, %d)", rank, w.worldSize)
	}
	return &Transport{world: w, rank: rank}, nil
}

// Transport is the transport of one worker of a World. It implements collective.CollectiveTransport.
//
// Each worker must issue its collectives sequentially: concurrent AllToAll calls on the same Transport
// are not supported.
type Transport struct {
	world *World
	rank  int
}

var _ collective.CollectiveTransport = (*Transport)(nil)

// Rank of the worker owning the transport.
func (t *Transport) Rank() int { return t.rank }

// World the transport belongs to.
func (t *Transport) World() *World { return t.world }

// AllToAll implements collective.CollectiveTransport.
//
// It sends a copy of each piece to its destination worker first, and then waits for the pieces from all other
// workers, in rank order.
func (t *Transport) AllToAll(input *tensors.Tensor, scatterDim, gatherDim int, scatterSizes, gatherSizes []int) (*tensors.Tensor, error) {
	w := t.world
	pieces, err := collective.ScatterPieces(input, scatterDim, scatterSizes, w.worldSize)
	if err != nil {
		return nil, err
	}
	for dst, piece := range pieces {
		if dst == t.rank {
			continue
		}
		w.mailboxes[t.rank][dst] <- piece.Clone()
	}

	received := make([]*tensors.Tensor, w.worldSize)
	received[t.rank] = pieces[t.rank]
	for src := range received {
		if src == t.rank {
			continue
		}
		received[src], err = t.receive(src)
		if err != nil {
			return nil, err
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("local.AllToAll(rank %d): received pieces from %d workers", t.rank, w.worldSize-1)
	}
	return collective.GatherPieces(received, pieces[t.rank], gatherDim, gatherSizes)
}

// receive the next piece sent by worker src.
func (t *Transport) receive(src int) (*tensors.Tensor, error) {
	mailbox := t.world.mailboxes[src][t.rank]
	if t.world.timeout <= 0 {
		return <-mailbox, nil
	}
	timer := time.NewTimer(t.world.timeout)
	defer timer.Stop()
	select {
	case piece := <-mailbox:
		return piece, nil
	case <-timer.C:
		return nil, errors.Wrapf(ErrTimeout, "worker %d waited %s for a piece from worker %d",
			t.rank, t.world.timeout, src)
	}
}

var (
	muNamedWorlds sync.Mutex
	namedWorlds   = make(map[string]*World)
)

// Join returns the transport for the worker described by membership in the process-wide World with the
// given name, creating the World on first use.
//
// All workers joining the same name must agree on the world size, and each rank can only join once.
func Join(name string, membership collective.Membership) (*Transport, error) {
	if err := membership.Validate(); err != nil {
		return nil, err
	}
	muNamedWorlds.Lock()
	w, found := namedWorlds[name]
	if !found {
		var err error
		w, err = NewWorld(membership.WorldSize)
		if err != nil {
			muNamedWorlds.Unlock()
			return nil, err
		}
		namedWorlds[name] = w
	}
	muNamedWorlds.Unlock()

	if w.worldSize != membership.WorldSize {
		return nil, errors.Errorf("local.Join(%q, %s): world already exists with %d workers",
			name, membership, w.worldSize)
	}
	w.muRanks.Lock()
	defer w.muRanks.Unlock()
	if w.ranksTaken[membership.Rank] {
		return nil, errors.Errorf("local.Join(%q, %s): rank already joined", name, membership)
	}
	w.ranksTaken[membership.Rank] = true
	return w.Transport(membership.Rank)
}
