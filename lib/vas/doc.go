// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package vas provides the virtual address space capability that the
// sandbox is built on.
//
// An [AddressSpace] reserves, commits, protects, and frees pages inside
// a bounded range, and can carve out child [Subspace] reservations.
// Four implementations exist:
//
//   - [NewOS] -- the process's real address space, backed by anonymous
//     mmap reservations through golang.org/x/sys/unix (linux and darwin)
//   - subspaces returned by AllocateSubspace -- a reservation owned by a
//     parent space, with allocations tracked by lib/regionalloc
//   - [NewEmulatedSubspace] -- advertises a large range while only a
//     smaller prefix is actually reserved; the rest is allocated
//     opportunistically with address hints
//   - [NewSimulated] -- pure bookkeeping over a fake range with failure
//     injection, for tests that must not touch real memory
//
// Page sizes, sizes, and addresses passed to these methods must be
// multiples of the space's page size and alignments must be powers of
// two that are multiples of the allocation granularity. Violations are
// programming errors and panic. Resource failures are returned as
// errors wrapping [ErrOutOfAddressSpace].
//
// Subspaces and the simulated space serialize their bookkeeping with a
// mutex and are safe for concurrent use. [DetectLimits] reports the
// host's virtual address width and RLIMIT_AS, which bound the size of
// the OS space.
package vas
