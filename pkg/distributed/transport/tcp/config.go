// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"net"
	"strings"
	"time"

	"github.com/gomlx/collectives/pkg/distributed/collective"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultDialTimeout is the default Config.DialTimeout.
const DefaultDialTimeout = 30 * time.Second

// Config of the TCP transport for one worker.
type Config struct {
	// Addresses of all workers ("host:port"), indexed by rank. Its length is the world size.
	Addresses []string

	// Rank of this worker: it listens on Addresses[Rank].
	Rank int

	// Session identifies the job: all workers must use the same value, and connections from workers of a
	// different session are rejected. See NewSession.
	Session string

	// Timeout is the maximum time AllToAll waits for each piece (and for each send).
	// 0 means wait forever.
	Timeout time.Duration

	// DialTimeout is the maximum time New waits for the whole mesh to be connected.
	// If 0, DefaultDialTimeout is used.
	DialTimeout time.Duration

	// Listener, if not nil, is used instead of listening on Addresses[Rank]. It is closed by New once the
	// mesh is connected (or failed to connect).
	Listener net.Listener
}

// NewSession returns a new random session identifier, to be shared by all workers of a job.
func NewSession() string {
	return uuid.NewString()
}

// Membership returns the collective.Membership described by the configuration.
func (c Config) Membership() collective.Membership {
	return collective.Membership{WorldSize: len(c.Addresses), Rank: c.Rank}
}

// Validate checks the configuration is consistent.
func (c Config) Validate() error {
	if len(c.Addresses) == 0 {
		return errors.New("tcp.Config: no worker addresses given")
	}
	if err := c.Membership().Validate(); err != nil {
		return errors.WithMessage(err, "tcp.Config")
	}
	for rank, addr := range c.Addresses {
		if addr == "" {
			return errors.Errorf("tcp.Config: empty address for worker %d", rank)
		}
	}
	if c.Timeout < 0 || c.DialTimeout < 0 {
		return errors.Errorf("tcp.Config: timeouts cannot be negative (Timeout=%s, DialTimeout=%s)", c.Timeout, c.DialTimeout)
	}
	return nil
}

// ParseConfig parses the transport configuration used with collective.NewTransportWithConfig, formatted as
//
//	<addr_0>,<addr_1>,...,<addr_N-1>[;session=<id>][;timeout=<duration>][;dial_timeout=<duration>]
//
// The rank is taken from membership, and the number of addresses must match its world size.
// Durations use time.ParseDuration format, e.g. "30s".
func ParseConfig(config string, membership collective.Membership) (Config, error) {
	parts := strings.Split(config, ";")
	cfg := Config{Rank: membership.Rank}
	if addrs := strings.TrimSpace(parts[0]); addrs != "" {
		for _, addr := range strings.Split(addrs, ",") {
			cfg.Addresses = append(cfg.Addresses, strings.TrimSpace(addr))
		}
	}
	if len(cfg.Addresses) != membership.WorldSize {
		return Config{}, errors.Errorf("tcp config %q has %d addresses, but world size is %d",
			config, len(cfg.Addresses), membership.WorldSize)
	}
	for _, option := range parts[1:] {
		key, value, found := strings.Cut(strings.TrimSpace(option), "=")
		if !found {
			return Config{}, errors.Errorf("tcp config %q: option %q is not formatted as key=value", config, option)
		}
		var err error
		switch key {
		case "session":
			cfg.Session = value
		case "timeout":
			cfg.Timeout, err = time.ParseDuration(value)
		case "dial_timeout":
			cfg.DialTimeout, err = time.ParseDuration(value)
		default:
			return Config{}, errors.Errorf("tcp config %q: unknown option %q", config, key)
		}
		if err != nil {
			return Config{}, errors.Wrapf(err, "tcp config %q: invalid value for %q", config, key)
		}
	}
	return cfg, cfg.Validate()
}
