// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Membership describes the position of one worker in its group: the number of workers and this worker's rank.
//
// How it is obtained (process discovery, rank assignment) is up to the launcher; MembershipFromEnv
// reads it from the environment variables set by common launchers.
type Membership struct {
	// WorldSize is the number of workers in the group, >= 1.
	WorldSize int

	// Rank is the 0-based index of this worker, 0 <= Rank < WorldSize.
	Rank int
}

// Validate returns an error if WorldSize < 1 or Rank is outside [0, WorldSize).
func (m Membership) Validate() error {
	if m.WorldSize < 1 {
		return errors.Errorf("invalid membership %s: world size must be >= 1", m)
	}
	if m.Rank < 0 || m.Rank >= m.WorldSize {
		return errors.Errorf("invalid membership %s: rank must be in [0, %d)", m, m.WorldSize)
	}
	return nil
}

// String implements fmt.Stringer.
func (m Membership) String() string {
	return fmt.Sprintf("rank %d of %d", m.Rank, m.WorldSize)
}

const (
	// WorldSizeEnv is the environment variable read by MembershipFromEnv for the world size.
	WorldSizeEnv = "WORLD_SIZE"

	// RankEnv is the environment variable read by MembershipFromEnv for the rank.
	RankEnv = "RANK"
)

// MembershipFromEnv reads the membership from the WORLD_SIZE and RANK environment variables.
// Missing variables default to a world of 1 and rank 0.
func MembershipFromEnv() (Membership, error) {
	m := Membership{WorldSize: 1}
	if v, found := os.LookupEnv(WorldSizeEnv); found {
		worldSize, err := strconv.Atoi(v)
		if err != nil {
			return Membership{}, errors.Wrapf(err, "failed to parse $%s=%q", WorldSizeEnv, v)
		}
		m.WorldSize = worldSize
	}
	if v, found := os.LookupEnv(RankEnv); found {
		rank, err := strconv.Atoi(v)
		if err != nil {
			return Membership{}, errors.Wrapf(err, "failed to parse $%s=%q", RankEnv, v)
		}
		m.Rank = rank
	}
	if err := m.Validate(); err != nil {
		return Membership{}, err
	}
	return m, nil
}
