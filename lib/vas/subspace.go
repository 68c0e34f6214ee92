// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vas

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
	"github.com/bureau-foundation/vmsandbox/lib/regionalloc"
)

// subspace is a child address space backed by a reservation in its
// parent. Allocations are bookkept by a region allocator; committing a
// page means changing its permissions on the reservation, and freeing
// it means decommitting.
type subspace struct {
	mu             sync.Mutex
	backing        reservation
	allocator      *regionalloc.Allocator
	pageSize       uint64
	granularity    uint64
	maxPermissions Permissions
	closed         bool
}

func newSubspace(backing reservation, pageSize, granularity uint64, maxPermissions Permissions) *subspace {
	return &subspace{
		backing:        backing,
		allocator:      regionalloc.New(backing.Range(), granularity),
		pageSize:       pageSize,
		granularity:    granularity,
		maxPermissions: maxPermissions,
	}
}

func (s *subspace) Base() addr.Address            { return s.backing.Range().Start }
func (s *subspace) Size() uint64                  { return s.backing.Range().Length() }
func (s *subspace) Range() addr.Range             { return s.backing.Range() }
func (s *subspace) PageSize() uint64              { return s.pageSize }
func (s *subspace) AllocationGranularity() uint64 { return s.granularity }
func (s *subspace) MaxPermissions() Permissions   { return s.maxPermissions }
func (s *subspace) CanAllocateSubspaces() bool    { return true }

func (s *subspace) RandomPageAddress() addr.Address {
	return randomPageIn(defaultRandom, s.Range(), s.pageSize)
}

func (s *subspace) AllocatePages(hint addr.Address, size, alignment uint64, permissions Permissions) (addr.Address, error) {
	alignment = checkAllocation(s, size, alignment)
	if !permissions.SubsetOf(s.maxPermissions) {
		return addr.Null, fmt.Errorf("%w: requested %v, maximum %v", ErrPermissionDenied, permissions, s.maxPermissions)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return addr.Null, ErrClosed
	}

	address, err := s.allocator.AllocateRegionNear(hintIn(s.Range(), hint), size, alignment)
	if err != nil {
		return addr.Null, fmt.Errorf("%w: %#x bytes in subspace %v: %w", ErrOutOfAddressSpace, size, s.Range(), err)
	}

	if permissions != NoAccess {
		if err := s.backing.SetPermissions(address, size, permissions); err != nil {
			if _, freeErr := s.allocator.FreeRegion(address); freeErr != nil {
				panic(fmt.Sprintf("vas: rolling back allocation at %v: %v", address, freeErr))
			}
			return addr.Null, fmt.Errorf("committing %#x bytes at %v: %w", size, address, err)
		}
	}
	return address, nil
}

// requireRegion panics unless the allocator holds a region of exactly
// size bytes in state starting at address. Freeing something that was
// never allocated, or with the wrong size, is a caller bug.
func requireRegion(allocator *regionalloc.Allocator, address addr.Address, size uint64, state regionalloc.State) {
	regionSize, regionState, err := allocator.CheckRegion(address)
	if err != nil {
		panic(fmt.Sprintf("vas: no %v region at %v: %v", state, address, err))
	}
	if regionState != state || regionSize != size {
		panic(fmt.Sprintf("vas: region at %v is %v with size %#x, caller expected %v with size %#x",
			address, regionState, regionSize, state, size))
	}
}

func (s *subspace) FreePages(address addr.Address, size uint64) error {
	checkPages(s, address, size)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	requireRegion(s.allocator, address, size, regionalloc.Allocated)
	if _, err := s.allocator.FreeRegion(address); err != nil {
		return err
	}
	return s.backing.Decommit(address, size)
}

func (s *subspace) SetPagePermissions(address addr.Address, size uint64, permissions Permissions) error {
	checkPages(s, address, size)
	if !permissions.SubsetOf(s.maxPermissions) {
		return fmt.Errorf("%w: requested %v, maximum %v", ErrPermissionDenied, permissions, s.maxPermissions)
	}
	if !s.Range().ContainsRange(addr.RangeOf(address, size)) {
		return fmt.Errorf("%w: %v", ErrInvalidRange, addr.RangeOf(address, size))
	}
	return s.backing.SetPermissions(address, size, permissions)
}

func (s *subspace) DecommitPages(address addr.Address, size uint64) error {
	checkPages(s, address, size)
	if !s.Range().ContainsRange(addr.RangeOf(address, size)) {
		return fmt.Errorf("%w: %v", ErrInvalidRange, addr.RangeOf(address, size))
	}
	return s.backing.Decommit(address, size)
}

func (s *subspace) AllocateGuardRegion(address addr.Address, size uint64) error {
	checkPages(s, address, size)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	// Reservations start inaccessible, so marking the region is enough.
	if err := s.allocator.AllocateRegionAt(address, size, regionalloc.Guard); err != nil {
		return fmt.Errorf("%w: guard region %v: %w", ErrOutOfAddressSpace, addr.RangeOf(address, size), err)
	}
	return nil
}

func (s *subspace) FreeGuardRegion(address addr.Address, size uint64) error {
	checkPages(s, address, size)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	requireRegion(s.allocator, address, size, regionalloc.Guard)
	_, err := s.allocator.FreeRegion(address)
	return err
}

func (s *subspace) AllocateSubspace(hint addr.Address, size, alignment uint64, maxPermissions Permissions) (Subspace, error) {
	alignment = checkAllocation(s, size, alignment)
	if !maxPermissions.SubsetOf(s.maxPermissions) {
		return nil, fmt.Errorf("%w: requested %v, maximum %v", ErrPermissionDenied, maxPermissions, s.maxPermissions)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	address, err := s.allocator.AllocateRegionNear(hintIn(s.Range(), hint), size, alignment)
	if err != nil {
		return nil, fmt.Errorf("%w: subspace of %#x bytes in %v: %w", ErrOutOfAddressSpace, size, s.Range(), err)
	}
	child := &nestedReservation{parent: s, whole: addr.RangeOf(address, size)}
	return newSubspace(child, s.pageSize, s.granularity, maxPermissions), nil
}

// Close releases the reservation. Allocations made inside the subspace
// become invalid. Close is idempotent.
func (s *subspace) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.backing.Release()
}

// nestedReservation backs a subspace allocated inside another subspace.
// Page operations go straight to the parent's backing; release returns
// the region to the parent's allocator.
type nestedReservation struct {
	parent *subspace
	whole  addr.Range
}

func (n *nestedReservation) Range() addr.Range { return n.whole }

func (n *nestedReservation) SetPermissions(address addr.Address, size uint64, permissions Permissions) error {
	return n.parent.backing.SetPermissions(address, size, permissions)
}

func (n *nestedReservation) Decommit(address addr.Address, size uint64) error {
	return n.parent.backing.Decommit(address, size)
}

func (n *nestedReservation) Release() error {
	n.parent.mu.Lock()
	defer n.parent.mu.Unlock()
	if n.parent.closed {
		return nil
	}
	if _, err := n.parent.allocator.FreeRegion(n.whole.Start); err != nil {
		return fmt.Errorf("releasing nested reservation %v: %w", n.whole, err)
	}
	return n.parent.backing.Decommit(n.whole.Start, n.whole.Length())
}
