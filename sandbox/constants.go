// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "github.com/bureau-foundation/vmsandbox/lib/addr"

// Constants are the process-wide values that generated code loads
// through their storage address. Loading indirectly lets the values
// change after code generation without recompiling anything.
//
// Constants is embedded in a Sandbox and only changed by its
// initialization and teardown.
type Constants struct {
	emptyBackingStoreBuffer addr.Address
}

// EmptyBackingStoreBuffer returns the address shared by every
// zero-length buffer in the sandbox, or addr.Null before
// initialization.
func (c *Constants) EmptyBackingStoreBuffer() addr.Address {
	return c.emptyBackingStoreBuffer
}

// EmptyBackingStoreBufferAddress returns where the empty backing store
// value is stored.
func (c *Constants) EmptyBackingStoreBufferAddress() addr.Address {
	return addr.AddressOf(&c.emptyBackingStoreBuffer)
}

func (c *Constants) setEmptyBackingStoreBuffer(address addr.Address) {
	c.emptyBackingStoreBuffer = address
}

func (c *Constants) reset() {
	c.emptyBackingStoreBuffer = addr.Null
}
