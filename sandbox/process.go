// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !nosandbox

package sandbox

import (
	"sync"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
)

// Enabled reports whether sandbox support is compiled in.
const Enabled = true

var processWide struct {
	mu      sync.Mutex
	sandbox *Sandbox
}

// CreateProcessWide creates the process's sandbox. It is not yet
// initialized; the caller configures it and calls Initialize. Panics if
// the process sandbox already exists.
func CreateProcessWide() *Sandbox {
	processWide.mu.Lock()
	defer processWide.mu.Unlock()
	if processWide.sandbox != nil {
		panic("sandbox: process-wide sandbox already created")
	}
	processWide.sandbox = new(Sandbox)
	return processWide.sandbox
}

// ProcessWide returns the process's sandbox. Panics if it has not been
// created or has been destroyed.
func ProcessWide() *Sandbox {
	processWide.mu.Lock()
	defer processWide.mu.Unlock()
	if processWide.sandbox == nil {
		panic("sandbox: process-wide sandbox accessed before creation or after destruction")
	}
	return processWide.sandbox
}

// DestroyProcessWide tears down the process's sandbox and forgets it.
// Panics if it does not exist.
func DestroyProcessWide() error {
	processWide.mu.Lock()
	defer processWide.mu.Unlock()
	if processWide.sandbox == nil {
		panic("sandbox: destroying a process-wide sandbox that does not exist")
	}
	err := processWide.sandbox.TearDown()
	processWide.sandbox = nil
	return err
}

// EmptyBackingStoreBuffer returns the address shared by zero-length
// buffers in the process sandbox.
func EmptyBackingStoreBuffer() addr.Address {
	return ProcessWide().Constants().EmptyBackingStoreBuffer()
}
