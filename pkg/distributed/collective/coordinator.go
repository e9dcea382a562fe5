// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"sync"

	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Coordinator is the abstraction higher-level distributed code asks for when it needs to run collectives
// within a group. CommunicationGroup is the default implementation.
type Coordinator interface {
	// WorldSize returns the number of workers in the group.
	WorldSize() int

	// Rank returns the 0-based index of this worker in the group.
	Rank() int

	// AllToAll exchanges pieces of input among all workers. See CommunicationGroup.AllToAll.
	AllToAll(input *tensors.Tensor, spec ExchangeSpec) (*tensors.Tensor, error)
}

// CoordinatorFactory creates the Coordinator for one worker.
type CoordinatorFactory func(membership Membership, transport CollectiveTransport) (Coordinator, error)

var (
	muFactory        sync.Mutex
	installedFactory CoordinatorFactory
)

// SetCoordinatorFactory installs the factory used by NewCoordinator for the rest of the process.
//
// It should be called at most once, during process (or group) setup, before any coordinator is created.
// A second call returns an error and leaves the installed factory unchanged.
func SetCoordinatorFactory(factory CoordinatorFactory) error {
	if factory == nil {
		return errors.New("SetCoordinatorFactory: factory cannot be nil")
	}
	muFactory.Lock()
	defer muFactory.Unlock()
	if installedFactory != nil {
		return errors.New("SetCoordinatorFactory: a coordinator factory was already installed")
	}
	installedFactory = factory
	klog.V(1).Info("custom coordinator factory installed")
	return nil
}

// NewCoordinator creates the Coordinator for the worker with the given membership, using the factory installed
// with SetCoordinatorFactory, or NewCommunicationGroup if none was installed.
func NewCoordinator(membership Membership, transport CollectiveTransport) (Coordinator, error) {
	muFactory.Lock()
	factory := installedFactory
	muFactory.Unlock()
	if factory == nil {
		return NewCommunicationGroup(membership, transport)
	}
	return factory(membership, transport)
}
