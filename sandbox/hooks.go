// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"

	"github.com/bureau-foundation/vmsandbox/lib/vas"
	"github.com/bureau-foundation/vmsandbox/sandbox/internal/hooks"
)

func init() {
	hooks.Access = func(value any) hooks.Initializer {
		s, ok := value.(*Sandbox)
		if !ok {
			panic(fmt.Sprintf("sandbox: test initializer needs a *Sandbox, got %T", value))
		}
		return initializer{s}
	}
}

// initializer adapts the unexported initialization paths to hooks.
type initializer struct {
	sandbox *Sandbox
}

func (i initializer) InitializeWithSize(space vas.AddressSpace, size uint64, useGuardRegions bool) error {
	return i.sandbox.initializeWithSize(space, size, useGuardRegions)
}

func (i initializer) InitializeAsPartiallyReserved(space vas.AddressSpace, size, sizeToReserve uint64) error {
	return i.sandbox.initializeAsPartiallyReserved(space, size, sizeToReserve)
}
