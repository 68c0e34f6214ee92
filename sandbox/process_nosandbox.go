// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build nosandbox

package sandbox

import "github.com/bureau-foundation/vmsandbox/lib/addr"

// Enabled reports whether sandbox support is compiled in.
const Enabled = false

// EmptyBackingStoreBuffer returns addr.Null: without sandbox support,
// zero-length buffers have no shared backing store.
func EmptyBackingStoreBuffer() addr.Address {
	return addr.Null
}
