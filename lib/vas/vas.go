// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vas

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
)

var (
	// ErrOutOfAddressSpace means a reservation or allocation could not
	// be satisfied at the requested size, alignment, or address.
	ErrOutOfAddressSpace = errors.New("vas: out of address space")

	// ErrNotSupported means the space does not implement the operation
	// (for example, subspaces of an emulated subspace).
	ErrNotSupported = errors.New("vas: operation not supported")

	// ErrInvalidRange means the addresses are not owned by the space.
	ErrInvalidRange = errors.New("vas: address range not owned by this space")

	// ErrPermissionDenied means the requested permissions exceed the
	// maximum permissions of the space.
	ErrPermissionDenied = errors.New("vas: permissions exceed maximum for this space")

	// ErrClosed means the subspace has already been released.
	ErrClosed = errors.New("vas: address space closed")
)

// Permissions are page access rights.
type Permissions uint8

const (
	permRead Permissions = 1 << iota
	permWrite
	permExecute
)

const (
	// NoAccess pages fault on any access.
	NoAccess Permissions = 0
	// Read pages are read-only.
	Read = permRead
	// ReadWrite pages are readable and writable.
	ReadWrite = permRead | permWrite
	// ReadWriteExecute pages are readable, writable, and executable.
	ReadWriteExecute = permRead | permWrite | permExecute
	// ReadExecute pages are readable and executable.
	ReadExecute = permRead | permExecute
)

// SubsetOf reports whether every right in p is also in maximum.
func (p Permissions) SubsetOf(maximum Permissions) bool {
	return p&^maximum == 0
}

// CanRead reports whether p includes read access.
func (p Permissions) CanRead() bool { return p&permRead != 0 }

// CanWrite reports whether p includes write access.
func (p Permissions) CanWrite() bool { return p&permWrite != 0 }

// CanExecute reports whether p includes execute access.
func (p Permissions) CanExecute() bool { return p&permExecute != 0 }

func (p Permissions) String() string {
	switch p {
	case NoAccess:
		return "none"
	case Read:
		return "r"
	case ReadWrite:
		return "rw"
	case ReadWriteExecute:
		return "rwx"
	case ReadExecute:
		return "rx"
	default:
		return fmt.Sprintf("permissions(%#x)", uint8(p))
	}
}

// AddressSpace manages pages inside a bounded virtual address range.
type AddressSpace interface {
	// Base returns the first address of the space.
	Base() addr.Address

	// Size returns the number of bytes in the space.
	Size() uint64

	// Range returns [Base, Base+Size).
	Range() addr.Range

	// PageSize returns the granularity of permission changes.
	PageSize() uint64

	// AllocationGranularity returns the granularity of allocations.
	// It is a multiple of PageSize.
	AllocationGranularity() uint64

	// MaxPermissions returns the most permissive rights pages in the
	// space may be given.
	MaxPermissions() Permissions

	// RandomPageAddress returns a random page-aligned address inside
	// the space, for use as an allocation hint.
	RandomPageAddress() addr.Address

	// CanAllocateSubspaces reports whether AllocateSubspace is supported.
	CanAllocateSubspaces() bool

	// AllocatePages allocates size bytes aligned to alignment, preferring
	// hint when it is free. Pages start with the given permissions.
	AllocatePages(hint addr.Address, size, alignment uint64, permissions Permissions) (addr.Address, error)

	// FreePages frees an allocation made by AllocatePages. The size must
	// match the allocation.
	FreePages(address addr.Address, size uint64) error

	// SetPagePermissions changes the rights on pages inside an allocation.
	SetPagePermissions(address addr.Address, size uint64, permissions Permissions) error

	// DecommitPages releases the physical memory behind the pages and
	// makes them inaccessible, keeping the addresses allocated.
	DecommitPages(address addr.Address, size uint64) error

	// AllocateGuardRegion reserves exactly [address, address+size) as
	// inaccessible memory that is never handed out.
	AllocateGuardRegion(address addr.Address, size uint64) error

	// FreeGuardRegion releases a guard region.
	FreeGuardRegion(address addr.Address, size uint64) error

	// AllocateSubspace reserves a child space of size bytes aligned to
	// alignment. Pages in the child never exceed maxPermissions.
	AllocateSubspace(hint addr.Address, size, alignment uint64, maxPermissions Permissions) (Subspace, error)
}

// Subspace is an AddressSpace that owns a reservation. Close releases
// the reservation back to the parent.
type Subspace interface {
	AddressSpace
	Close() error
}

// reservation is the backing of a subspace: a range already reserved
// from a parent space, on which pages can be committed and decommitted.
type reservation interface {
	Range() addr.Range
	SetPermissions(address addr.Address, size uint64, permissions Permissions) error
	Decommit(address addr.Address, size uint64) error
	Release() error
}

// checkPages panics unless address and size are page multiples.
func checkPages(space AddressSpace, address addr.Address, size uint64) {
	pageSize := space.PageSize()
	if size == 0 || !addr.IsMultiple(size, pageSize) || !addr.IsMultiple(uint64(address), pageSize) {
		panic(fmt.Sprintf("vas: [%v, +%#x) is not a non-empty multiple of page size %#x", address, size, pageSize))
	}
}

// checkAllocation panics unless size and alignment suit the space's
// allocation granularity. A zero alignment means the granularity.
func checkAllocation(space AddressSpace, size, alignment uint64) uint64 {
	granularity := space.AllocationGranularity()
	if size == 0 || !addr.IsMultiple(size, granularity) {
		panic(fmt.Sprintf("vas: size %#x is not a positive multiple of allocation granularity %#x", size, granularity))
	}
	if alignment == 0 {
		return granularity
	}
	if !addr.IsPowerOfTwo(alignment) || !addr.IsMultiple(alignment, granularity) {
		panic(fmt.Sprintf("vas: alignment %#x is not a power of two multiple of granularity %#x", alignment, granularity))
	}
	return alignment
}

// randomPageIn returns a random page-aligned address in r, drawing
// from uint64n. Pass rand.Uint64N unless a seeded source is needed.
func randomPageIn(uint64n func(uint64) uint64, r addr.Range, pageSize uint64) addr.Address {
	pages := r.Length() / pageSize
	if pages == 0 {
		return r.Start
	}
	return r.Start.Add(uint64n(pages) * pageSize)
}

// defaultRandom is the goroutine-safe global source.
var defaultRandom = rand.Uint64N

// hintIn returns hint if it lies inside r, Null otherwise.
func hintIn(r addr.Range, hint addr.Address) addr.Address {
	if r.Contains(hint) {
		return hint
	}
	return addr.Null
}
