// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package vas

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
)

// osSpace is the process's own address space. It does no bookkeeping:
// every call maps straight onto mmap, munmap, or mprotect, and the
// kernel is the allocator.
type osSpace struct {
	pageSize uint64
	whole    addr.Range
}

// NewOS returns the process's virtual address space. Its size is the
// user half of the detected virtual address width, capped by RLIMIT_AS.
// The first page is excluded so that Null is never a valid address.
func NewOS() (AddressSpace, error) {
	limits := DetectLimits()
	if limits.PageSize == 0 {
		return nil, fmt.Errorf("%w: host reports zero page size", ErrNotSupported)
	}
	return &osSpace{
		pageSize: limits.PageSize,
		whole:    addr.Range{Start: addr.Address(limits.PageSize), End: addr.Address(limits.UserAddressSpaceSize)},
	}, nil
}

func (o *osSpace) Base() addr.Address            { return o.whole.Start }
func (o *osSpace) Size() uint64                  { return o.whole.Length() }
func (o *osSpace) Range() addr.Range             { return o.whole }
func (o *osSpace) PageSize() uint64              { return o.pageSize }
func (o *osSpace) AllocationGranularity() uint64 { return o.pageSize }
func (o *osSpace) MaxPermissions() Permissions   { return ReadWriteExecute }
func (o *osSpace) CanAllocateSubspaces() bool    { return true }

// RandomPageAddress picks a hint in the lower half of the user space,
// away from the regions where the kernel places the stack and shared
// libraries.
func (o *osSpace) RandomPageAddress() addr.Address {
	lower := addr.Range{Start: o.whole.Start, End: o.whole.Start.Add(o.whole.Length() / 2)}
	return randomPageIn(defaultRandom, lower, o.pageSize)
}

func (o *osSpace) AllocatePages(hint addr.Address, size, alignment uint64, permissions Permissions) (addr.Address, error) {
	alignment = checkAllocation(o, size, alignment)
	address, err := mapAligned(hint, size, alignment, o.pageSize, permissions)
	if err != nil {
		return addr.Null, fmt.Errorf("%w: %w", ErrOutOfAddressSpace, err)
	}
	return address, nil
}

func (o *osSpace) FreePages(address addr.Address, size uint64) error {
	checkPages(o, address, size)
	return unmap(address, size)
}

func (o *osSpace) SetPagePermissions(address addr.Address, size uint64, permissions Permissions) error {
	checkPages(o, address, size)
	return protect(address, size, permissions)
}

func (o *osSpace) DecommitPages(address addr.Address, size uint64) error {
	checkPages(o, address, size)
	return decommit(address, size)
}

// AllocateGuardRegion maps an inaccessible region exactly at address,
// failing if the kernel places it anywhere else.
func (o *osSpace) AllocateGuardRegion(address addr.Address, size uint64) error {
	checkPages(o, address, size)
	mapped, err := mapAnonymous(address, size, NoAccess, false)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOutOfAddressSpace, err)
	}
	if mapped != address {
		if err := unmap(mapped, size); err != nil {
			return err
		}
		return fmt.Errorf("%w: guard region wanted at %v, kernel chose %v", ErrOutOfAddressSpace, address, mapped)
	}
	return nil
}

func (o *osSpace) FreeGuardRegion(address addr.Address, size uint64) error {
	checkPages(o, address, size)
	return unmap(address, size)
}

func (o *osSpace) AllocateSubspace(hint addr.Address, size, alignment uint64, maxPermissions Permissions) (Subspace, error) {
	alignment = checkAllocation(o, size, alignment)
	base, err := mapAligned(hint, size, alignment, o.pageSize, NoAccess)
	if err != nil {
		return nil, fmt.Errorf("%w: subspace of %#x bytes: %w", ErrOutOfAddressSpace, size, err)
	}
	backing := &osReservation{whole: addr.RangeOf(base, size)}
	return newSubspace(backing, o.pageSize, o.pageSize, maxPermissions), nil
}

// osReservation is an inaccessible mapping that backs a subspace.
type osReservation struct {
	mu       sync.Mutex
	whole    addr.Range
	released bool
}

func (r *osReservation) Range() addr.Range { return r.whole }

func (r *osReservation) SetPermissions(address addr.Address, size uint64, permissions Permissions) error {
	return protect(address, size, permissions)
}

func (r *osReservation) Decommit(address addr.Address, size uint64) error {
	return decommit(address, size)
}

func (r *osReservation) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true
	return unmap(r.whole.Start, r.whole.Length())
}
