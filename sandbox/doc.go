// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox reserves a large region of virtual address space in
// which a managed runtime places its heap objects and buffers. A
// memory-corruption bug inside the runtime then corrupts memory inside
// the region rather than arbitrary process memory. This is in-process,
// best-effort containment built on virtual memory reservations, not
// OS-level or cryptographic isolation.
//
// The central type is [Sandbox]. [Sandbox.Initialize] takes a
// [vas.AddressSpace] (normally [vas.NewOS]) and tries, in order:
//
//   - a full reservation of the sandbox plus a guard region on each
//     side, with the sandbox base aligned to [Layout.Alignment]. Guard
//     regions are inaccessible, so overruns off either end fault;
//   - partial reservations: only part of the sandbox is reserved and an
//     emulated subspace presents the whole size. Addresses past the
//     reservation are not exclusively owned, so other mappings may land
//     there. There are no guard regions. The reservation is halved on
//     each failure down to [Layout.MinimumReservationSize].
//
// Partial reservation also happens up front when the address space
// cannot allocate subspaces or is too small for the full layout (the
// sandbox takes at most a quarter of the space). A partially reserved
// sandbox works but offers a weaker guarantee, which
// [Sandbox.IsPartiallyReserved] reports. Callers decide whether to
// accept it.
//
// After initialization the geometry ([Sandbox.Base], [Sandbox.Size],
// [Sandbox.ReservationSize], ...) is immutable and safe to read from
// any goroutine. [Sandbox.Contains] is the bounds check embedders use
// to validate pointers. [Sandbox.BaseAddress], [Sandbox.EndAddress],
// and [Sandbox.SizeAddress] return the storage addresses of the
// geometry fields for generated code that loads them indirectly, which
// is why a Sandbox must never be copied.
//
// Memory goes into the sandbox through its [PageAllocator], which is
// safe for concurrent use. [Constants] holds the values generated code
// reads by address; the only one is the empty backing store buffer,
// placed on the last byte of the sandbox.
//
// Precondition violations (initializing twice, disabling after
// initialization, sizes that are not multiples of the allocation
// granularity) panic. Reservation failures are errors wrapping
// [ErrReservationFailed].
//
// The process normally has exactly one sandbox: [CreateProcessWide],
// [ProcessWide], and [DestroyProcessWide] manage it, and
// [EmptyBackingStoreBuffer] reads its constants. Building with the
// nosandbox tag compiles the process sandbox out, leaving only an
// EmptyBackingStoreBuffer that returns addr.Null.
//
// [Metrics] exports geometry and allocator activity to Prometheus, and
// [Snapshot] captures the geometry for reporting and fingerprinting.
// Tests that need to pin the reservation strategy use package
// sandboxtest.
package sandbox
