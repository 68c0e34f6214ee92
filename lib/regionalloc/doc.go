// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package regionalloc tracks which parts of an address range are free,
// allocated, or reserved as guard regions.
//
// An [Allocator] covers one [addr.Range] and keeps a sorted list of
// [Region] values that tile it exactly. Allocation carves a free region
// into up to three pieces; freeing coalesces the released region with
// free neighbours, so two adjacent free regions never exist.
//
// The allocator only does bookkeeping: it never touches memory and
// never calls the OS. It is not safe for concurrent use. Owners such as
// the subspaces in lib/vas hold their own mutex around every call.
package regionalloc
