// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hooks lets sandboxtest reach the sandbox's narrow
// initializers without exporting them from the sandbox package. The
// sandbox package sets Access from its init function.
package hooks

import "github.com/bureau-foundation/vmsandbox/lib/vas"

// Initializer exposes the two initialization paths that Initialize
// chooses between.
type Initializer interface {
	InitializeWithSize(space vas.AddressSpace, size uint64, useGuardRegions bool) error
	InitializeAsPartiallyReserved(space vas.AddressSpace, size, sizeToReserve uint64) error
}

// Access wraps a *sandbox.Sandbox. It is nil until the sandbox package
// is initialized, which importing it guarantees.
var Access func(sandbox any) Initializer
