// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CollectiveTransport is the capability a CommunicationGroup delegates the actual cross-worker data movement to.
//
// AllToAll receives already normalized dims (in [0, rank)) and the size sequences exactly as the caller gave
// them (nil if not given). Implementations split the input along scatterDim into one piece per worker
// (see PieceSizes and ScatterPieces), send piece i to worker i, and return the concatenation along gatherDim of
// the pieces received from every worker, in rank order (see GatherPieces).
//
// Implementations return an error for malformed or mismatched per-worker parameters (wrapping ErrSizeMismatch)
// and for transport faults. A transport may be shared by several groups; its lifetime is managed by its creator.
type CollectiveTransport interface {
	AllToAll(input *tensors.Tensor, scatterDim, gatherDim int, scatterSizes, gatherSizes []int) (*tensors.Tensor, error)
}

// TransportConstructor takes a configuration string (optionally empty) and the membership of the worker,
// and returns a transport connected to the other workers.
type TransportConstructor func(config string, membership Membership) (CollectiveTransport, error)

var (
	muTransports             sync.Mutex
	registeredTransports     = make(map[string]TransportConstructor)
	firstRegisteredTransport string
)

// RegisterTransport registers a transport constructor under the given name.
//
// Transport packages register themselves during initialization, so importing them (even with a blank import)
// makes them available to NewTransport and NewTransportWithConfig.
func RegisterTransport(name string, constructor TransportConstructor) {
	muTransports.Lock()
	defer muTransports.Unlock()
	if len(registeredTransports) == 0 {
		firstRegisteredTransport = name
	}
	registeredTransports[name] = constructor
}

// RegisteredTransports returns the sorted names of the registered transports.
func RegisteredTransports() []string {
	muTransports.Lock()
	defer muTransports.Unlock()
	names := make([]string, 0, len(registeredTransports))
	for name := range registeredTransports {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TransportEnv is the environment variable with the default transport configuration to use.
//
// The format of config is "<transport_name>:<transport_configuration>".
// The "<transport_name>" is the name of a registered transport (e.g.: "tcp") and
// "<transport_configuration>" is transport specific (e.g.: for tcp, the list of worker addresses).
const TransportEnv = "COLLECTIVES_TRANSPORT"

// DefaultTransportConfig is the default transport configuration to use, if TransportEnv is not set.
//
// See NewTransportWithConfig for the format of the configuration string.
var DefaultTransportConfig string

// NewTransport returns a new transport for the worker with the given membership.
//
// The configuration used is:
//
// 1. The environment variable COLLECTIVES_TRANSPORT, if defined.
// 2. Next the variable DefaultTransportConfig, if defined.
// 3. The first registered transport, with an empty configuration.
func NewTransport(membership Membership) (CollectiveTransport, error) {
	if config, found := os.LookupEnv(TransportEnv); found {
		return NewTransportWithConfig(config, membership)
	}
	return NewTransportWithConfig(DefaultTransportConfig, membership)
}

// NewTransportWithConfig creates a transport from a configuration formatted as
// "<transport_name>:<transport_configuration>".
//
// If there is no ":" the whole config is taken as the transport name, and an empty config selects the first
// registered transport.
func NewTransportWithConfig(config string, membership Membership) (CollectiveTransport, error) {
	if err := membership.Validate(); err != nil {
		return nil, err
	}
	muTransports.Lock()
	if len(registeredTransports) == 0 {
		muTransports.Unlock()
		return nil, errors.New(`no registered transports -- maybe import one with ` +
			`import _ "github.com/gomlx/collectives/pkg/distributed/transport/local"?`)
	}
	name, transportConfig := firstRegisteredTransport, ""
	if config != "" {
		name = config
		if idx := strings.Index(config, ":"); idx != -1 {
			name, transportConfig = config[:idx], config[idx+1:]
		}
	}
	constructor, found := registeredTransports[name]
	muTransports.Unlock()
	if !found {
		return nil, errors.Errorf("can't find transport %q for configuration %q, registered transports: %v",
			name, config, RegisteredTransports())
	}
	klog.V(1).Infof("creating transport %q (config %q) for %s", name, transportConfig, membership)
	transport, err := constructor(transportConfig, membership)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create transport %q", name)
	}
	return transport, nil
}
