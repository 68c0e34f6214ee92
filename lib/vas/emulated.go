// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vas

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
	"github.com/bureau-foundation/vmsandbox/lib/regionalloc"
)

// emulatedMaxAttempts bounds the number of hinted allocations tried in
// the unmapped part of an emulated subspace.
const emulatedMaxAttempts = 10

// emulatedSubspace presents [base, base+totalSize) as one address space
// while only [base, base+mappedSize) is reserved from the parent. The
// mapped part is managed with a region allocator. Requests that do not
// fit there are forwarded to the parent with hints inside the unmapped
// part, and kept only if the parent placed them there. Other mappings
// in the process may occupy the unmapped part at any time.
type emulatedSubspace struct {
	mu        sync.Mutex
	parent    AddressSpace
	mapped    addr.Range
	whole     addr.Range
	allocator *regionalloc.Allocator
	closed    bool
}

// NewEmulatedSubspace builds an emulated subspace over a reservation of
// mappedSize bytes at base that the caller already allocated from
// parent. The subspace takes ownership of the reservation and frees it
// on Close. Panics unless 0 < mappedSize <= totalSize and both are
// multiples of the parent's allocation granularity.
func NewEmulatedSubspace(parent AddressSpace, base addr.Address, mappedSize, totalSize uint64) Subspace {
	granularity := parent.AllocationGranularity()
	if mappedSize == 0 || mappedSize > totalSize {
		panic(fmt.Sprintf("vas: emulated subspace mapped size %#x must be in (0, %#x]", mappedSize, totalSize))
	}
	if !addr.IsMultiple(mappedSize, granularity) || !addr.IsMultiple(totalSize, granularity) {
		panic(fmt.Sprintf("vas: emulated subspace sizes %#x/%#x are not multiples of granularity %#x",
			mappedSize, totalSize, granularity))
	}
	mapped := addr.RangeOf(base, mappedSize)
	return &emulatedSubspace{
		parent:    parent,
		mapped:    mapped,
		whole:     addr.RangeOf(base, totalSize),
		allocator: regionalloc.New(mapped, granularity),
	}
}

func (e *emulatedSubspace) Base() addr.Address            { return e.whole.Start }
func (e *emulatedSubspace) Size() uint64                  { return e.whole.Length() }
func (e *emulatedSubspace) Range() addr.Range             { return e.whole }
func (e *emulatedSubspace) PageSize() uint64              { return e.parent.PageSize() }
func (e *emulatedSubspace) AllocationGranularity() uint64 { return e.parent.AllocationGranularity() }
func (e *emulatedSubspace) MaxPermissions() Permissions   { return e.parent.MaxPermissions() }
func (e *emulatedSubspace) CanAllocateSubspaces() bool    { return false }

func (e *emulatedSubspace) RandomPageAddress() addr.Address {
	return randomPageIn(defaultRandom, e.whole, e.PageSize())
}

func (e *emulatedSubspace) unmapped() addr.Range {
	return addr.Range{Start: e.mapped.End, End: e.whole.End}
}

func (e *emulatedSubspace) AllocatePages(hint addr.Address, size, alignment uint64, permissions Permissions) (addr.Address, error) {
	alignment = checkAllocation(e, size, alignment)
	if !permissions.SubsetOf(e.MaxPermissions()) {
		return addr.Null, fmt.Errorf("%w: requested %v, maximum %v", ErrPermissionDenied, permissions, e.MaxPermissions())
	}

	if e.isClosed() {
		return addr.Null, ErrClosed
	}

	if hint == addr.Null || e.mapped.Contains(hint) {
		address, err := e.allocateMapped(hint, size, alignment, permissions)
		if err == nil {
			return address, nil
		}
		if errors.Is(err, ErrClosed) {
			return addr.Null, err
		}
	}
	return e.allocateUnmapped(hint, size, alignment, permissions)
}

func (e *emulatedSubspace) allocateMapped(hint addr.Address, size, alignment uint64, permissions Permissions) (addr.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return addr.Null, ErrClosed
	}

	address, err := e.allocator.AllocateRegionNear(hintIn(e.mapped, hint), size, alignment)
	if err != nil {
		return addr.Null, err
	}
	if permissions != NoAccess {
		if err := e.parent.SetPagePermissions(address, size, permissions); err != nil {
			if _, freeErr := e.allocator.FreeRegion(address); freeErr != nil {
				panic(fmt.Sprintf("vas: rolling back allocation at %v: %v", address, freeErr))
			}
			return addr.Null, err
		}
	}
	return address, nil
}

func (e *emulatedSubspace) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *emulatedSubspace) allocateUnmapped(hint addr.Address, size, alignment uint64, permissions Permissions) (addr.Address, error) {
	if e.isClosed() {
		return addr.Null, ErrClosed
	}
	unmapped := e.unmapped()
	if unmapped.Length() < size {
		return addr.Null, fmt.Errorf("%w: %#x bytes do not fit in emulated subspace %v", ErrOutOfAddressSpace, size, e.whole)
	}
	// Highest start address that still keeps the allocation inside.
	starts := addr.Range{Start: unmapped.Start, End: unmapped.End.Sub(size)}

	for attempt := 0; attempt < emulatedMaxAttempts; attempt++ {
		candidate := hint
		if attempt > 0 || !unmapped.ContainsRange(addr.RangeOf(hint, size)) {
			candidate = addr.RoundUp(randomPageIn(defaultRandom, starts, e.PageSize()), alignment)
		}
		if !unmapped.ContainsRange(addr.RangeOf(candidate, size)) {
			continue
		}

		address, err := e.parent.AllocatePages(candidate, size, alignment, permissions)
		if err != nil {
			return addr.Null, err
		}
		if unmapped.ContainsRange(addr.RangeOf(address, size)) {
			return address, nil
		}
		if err := e.parent.FreePages(address, size); err != nil {
			return addr.Null, fmt.Errorf("returning misplaced allocation at %v: %w", address, err)
		}
	}
	return addr.Null, fmt.Errorf("%w: no hint in %v was honoured after %d attempts",
		ErrOutOfAddressSpace, unmapped, emulatedMaxAttempts)
}

func (e *emulatedSubspace) FreePages(address addr.Address, size uint64) error {
	checkPages(e, address, size)

	if e.mapped.Contains(address) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return ErrClosed
		}
		requireRegion(e.allocator, address, size, regionalloc.Allocated)
		// Decommit before the region can be handed out again.
		if err := e.parent.DecommitPages(address, size); err != nil {
			return err
		}
		_, err := e.allocator.FreeRegion(address)
		return err
	}

	if e.unmapped().ContainsRange(addr.RangeOf(address, size)) {
		return e.parent.FreePages(address, size)
	}
	return fmt.Errorf("%w: %v", ErrInvalidRange, addr.RangeOf(address, size))
}

func (e *emulatedSubspace) SetPagePermissions(address addr.Address, size uint64, permissions Permissions) error {
	checkPages(e, address, size)
	if !e.whole.ContainsRange(addr.RangeOf(address, size)) {
		return fmt.Errorf("%w: %v", ErrInvalidRange, addr.RangeOf(address, size))
	}
	return e.parent.SetPagePermissions(address, size, permissions)
}

func (e *emulatedSubspace) DecommitPages(address addr.Address, size uint64) error {
	checkPages(e, address, size)
	if !e.whole.ContainsRange(addr.RangeOf(address, size)) {
		return fmt.Errorf("%w: %v", ErrInvalidRange, addr.RangeOf(address, size))
	}
	return e.parent.DecommitPages(address, size)
}

func (e *emulatedSubspace) AllocateGuardRegion(address addr.Address, size uint64) error {
	checkPages(e, address, size)
	region := addr.RangeOf(address, size)

	if e.mapped.ContainsRange(region) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return ErrClosed
		}
		if err := e.allocator.AllocateRegionAt(address, size, regionalloc.Guard); err != nil {
			return fmt.Errorf("%w: guard region %v: %w", ErrOutOfAddressSpace, region, err)
		}
		return nil
	}
	if e.unmapped().ContainsRange(region) {
		return e.parent.AllocateGuardRegion(address, size)
	}
	return fmt.Errorf("%w: guard region %v straddles the mapped boundary", ErrInvalidRange, region)
}

func (e *emulatedSubspace) FreeGuardRegion(address addr.Address, size uint64) error {
	checkPages(e, address, size)

	if e.mapped.Contains(address) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return ErrClosed
		}
		requireRegion(e.allocator, address, size, regionalloc.Guard)
		_, err := e.allocator.FreeRegion(address)
		return err
	}
	return e.parent.FreeGuardRegion(address, size)
}

func (e *emulatedSubspace) AllocateSubspace(addr.Address, uint64, uint64, Permissions) (Subspace, error) {
	return nil, fmt.Errorf("%w: emulated subspaces cannot allocate subspaces", ErrNotSupported)
}

// Close frees the mapped reservation. Allocations in the unmapped part
// are not tracked and must be freed by their owners first.
func (e *emulatedSubspace) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.parent.FreePages(e.mapped.Start, e.mapped.Length())
}
