// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandboxtest gives tests direct control over how a sandbox is
// reserved. Production code calls Sandbox.Initialize, which picks the
// reservation strategy itself; tests use these entry points to pin the
// size, the guard regions, or the partial reservation.
//
// Only import this package from tests.
package sandboxtest

import (
	"github.com/bureau-foundation/vmsandbox/lib/vas"
	"github.com/bureau-foundation/vmsandbox/sandbox"
	"github.com/bureau-foundation/vmsandbox/sandbox/internal/hooks"
)

// InitializeWithSize reserves a size-byte sandbox in space, flanked by
// guard regions of the layout's guard size when useGuardRegions is set.
// The same preconditions as Sandbox.Initialize apply, and space must be
// able to allocate subspaces.
func InitializeWithSize(s *sandbox.Sandbox, space vas.AddressSpace, size uint64, useGuardRegions bool) error {
	return hooks.Access(s).InitializeWithSize(space, size, useGuardRegions)
}

// InitializeAsPartiallyReserved creates a size-byte sandbox backed by a
// reservation of only sizeToReserve bytes. Both sizes must be
// multiples of the allocation granularity and sizeToReserve must be
// below size.
func InitializeAsPartiallyReserved(s *sandbox.Sandbox, space vas.AddressSpace, size, sizeToReserve uint64) error {
	return hooks.Access(s).InitializeAsPartiallyReserved(space, size, sizeToReserve)
}
