// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vas

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
	"github.com/bureau-foundation/vmsandbox/lib/regionalloc"
)

// SimulatedConfig describes a simulated address space.
type SimulatedConfig struct {
	// Base is the first address of the space. Must be page aligned.
	Base addr.Address

	// Size is the number of bytes in the space.
	Size uint64

	// PageSize is the permission granularity. Defaults to 4 KiB.
	PageSize uint64

	// AllocationGranularity defaults to PageSize.
	AllocationGranularity uint64

	// MaxAllocationSize makes every allocation or subspace request larger
	// than this fail with ErrOutOfAddressSpace. Zero means no limit.
	MaxAllocationSize uint64

	// DisableSubspaces makes CanAllocateSubspaces report false and
	// AllocateSubspace fail with ErrNotSupported.
	DisableSubspaces bool

	// IgnoreHints makes the space place allocations first-fit regardless
	// of the hint, like an OS that never honours mmap hints.
	IgnoreHints bool

	// Seed seeds RandomPageAddress so tests are reproducible.
	Seed uint64
}

// Simulated is an AddressSpace that only does bookkeeping. No memory is
// mapped, so it can describe terabyte-sized layouts in tests. It records
// the permissions of every committed page for inspection.
type Simulated struct {
	mu          sync.Mutex
	config      SimulatedConfig
	allocator   *regionalloc.Allocator
	permissions map[addr.Address]Permissions
	failAll     bool
	rng         *rand.Rand
}

// NewSimulated creates a simulated space. Panics on an invalid config.
func NewSimulated(config SimulatedConfig) *Simulated {
	if config.PageSize == 0 {
		config.PageSize = 4096
	}
	if config.AllocationGranularity == 0 {
		config.AllocationGranularity = config.PageSize
	}
	if !addr.IsMultiple(config.AllocationGranularity, config.PageSize) {
		panic(fmt.Sprintf("vas: granularity %#x is not a multiple of page size %#x",
			config.AllocationGranularity, config.PageSize))
	}
	return &Simulated{
		config:      config,
		allocator:   regionalloc.New(addr.RangeOf(config.Base, config.Size), config.AllocationGranularity),
		permissions: make(map[addr.Address]Permissions),
		rng:         rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
	}
}

// SetFailAll makes every subsequent allocation fail when fail is true.
func (s *Simulated) SetFailAll(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}

// SetMaxAllocationSize changes the allocation size limit. Zero removes it.
func (s *Simulated) SetMaxAllocationSize(size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.MaxAllocationSize = size
}

// PermissionsAt returns the permissions of the page containing address.
// Pages that were never committed report NoAccess.
func (s *Simulated) PermissionsAt(address addr.Address) Permissions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions[addr.RoundDown(address, s.config.PageSize)]
}

// AllocatedBytes returns the number of bytes currently allocated,
// including reservations backing subspaces and guard regions.
func (s *Simulated) AllocatedBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Size - s.allocator.FreeBytes()
}

// Regions returns the simulated allocation map.
func (s *Simulated) Regions() []regionalloc.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocator.Regions()
}

func (s *Simulated) Base() addr.Address            { return s.config.Base }
func (s *Simulated) Size() uint64                  { return s.config.Size }
func (s *Simulated) Range() addr.Range             { return addr.RangeOf(s.config.Base, s.config.Size) }
func (s *Simulated) PageSize() uint64              { return s.config.PageSize }
func (s *Simulated) AllocationGranularity() uint64 { return s.config.AllocationGranularity }
func (s *Simulated) MaxPermissions() Permissions   { return ReadWriteExecute }
func (s *Simulated) CanAllocateSubspaces() bool    { return !s.config.DisableSubspaces }

func (s *Simulated) RandomPageAddress() addr.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return randomPageIn(s.rng.Uint64N, s.Range(), s.config.PageSize)
}

// allocateLocked reserves a region, honouring the failure knobs.
func (s *Simulated) allocateLocked(hint addr.Address, size, alignment uint64) (addr.Address, error) {
	if s.failAll {
		return addr.Null, fmt.Errorf("%w: simulated failure", ErrOutOfAddressSpace)
	}
	if s.config.MaxAllocationSize != 0 && size > s.config.MaxAllocationSize {
		return addr.Null, fmt.Errorf("%w: %#x bytes exceeds simulated limit %#x",
			ErrOutOfAddressSpace, size, s.config.MaxAllocationSize)
	}
	if s.config.IgnoreHints {
		hint = addr.Null
	}
	address, err := s.allocator.AllocateRegionNear(hintIn(s.Range(), hint), size, alignment)
	if err != nil {
		return addr.Null, fmt.Errorf("%w: %#x bytes: %w", ErrOutOfAddressSpace, size, err)
	}
	return address, nil
}

// setPermissionsLocked records permissions for every page in r.
func (s *Simulated) setPermissionsLocked(r addr.Range, permissions Permissions) {
	if permissions == NoAccess {
		for page := range s.permissions {
			if r.Contains(page) {
				delete(s.permissions, page)
			}
		}
		return
	}
	for page := r.Start; page < r.End; page = page.Add(s.config.PageSize) {
		s.permissions[page] = permissions
	}
}

// requireAllocatedLocked returns ErrInvalidRange unless r lies inside a
// single allocated region.
func (s *Simulated) requireAllocatedLocked(r addr.Range) error {
	region, ok := s.allocator.RegionAt(r.Start)
	if !ok || region.State != regionalloc.Allocated || !region.Range().ContainsRange(r) {
		return fmt.Errorf("%w: %v is not inside an allocation", ErrInvalidRange, r)
	}
	return nil
}

func (s *Simulated) AllocatePages(hint addr.Address, size, alignment uint64, permissions Permissions) (addr.Address, error) {
	alignment = checkAllocation(s, size, alignment)

	s.mu.Lock()
	defer s.mu.Unlock()
	address, err := s.allocateLocked(hint, size, alignment)
	if err != nil {
		return addr.Null, err
	}
	s.setPermissionsLocked(addr.RangeOf(address, size), permissions)
	return address, nil
}

func (s *Simulated) FreePages(address addr.Address, size uint64) error {
	checkPages(s, address, size)

	s.mu.Lock()
	defer s.mu.Unlock()
	requireRegion(s.allocator, address, size, regionalloc.Allocated)
	s.setPermissionsLocked(addr.RangeOf(address, size), NoAccess)
	_, err := s.allocator.FreeRegion(address)
	return err
}

func (s *Simulated) SetPagePermissions(address addr.Address, size uint64, permissions Permissions) error {
	checkPages(s, address, size)

	s.mu.Lock()
	defer s.mu.Unlock()
	r := addr.RangeOf(address, size)
	if err := s.requireAllocatedLocked(r); err != nil {
		return err
	}
	s.setPermissionsLocked(r, permissions)
	return nil
}

func (s *Simulated) DecommitPages(address addr.Address, size uint64) error {
	return s.SetPagePermissions(address, size, NoAccess)
}

func (s *Simulated) AllocateGuardRegion(address addr.Address, size uint64) error {
	checkPages(s, address, size)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allocator.AllocateRegionAt(address, size, regionalloc.Guard); err != nil {
		return fmt.Errorf("%w: guard region %v: %w", ErrOutOfAddressSpace, addr.RangeOf(address, size), err)
	}
	return nil
}

func (s *Simulated) FreeGuardRegion(address addr.Address, size uint64) error {
	checkPages(s, address, size)

	s.mu.Lock()
	defer s.mu.Unlock()
	requireRegion(s.allocator, address, size, regionalloc.Guard)
	_, err := s.allocator.FreeRegion(address)
	return err
}

func (s *Simulated) AllocateSubspace(hint addr.Address, size, alignment uint64, maxPermissions Permissions) (Subspace, error) {
	alignment = checkAllocation(s, size, alignment)
	if s.config.DisableSubspaces {
		return nil, fmt.Errorf("%w: simulated space has subspaces disabled", ErrNotSupported)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	address, err := s.allocateLocked(hint, size, alignment)
	if err != nil {
		return nil, err
	}
	backing := &simulatedReservation{space: s, whole: addr.RangeOf(address, size)}
	return newSubspace(backing, s.config.PageSize, s.config.AllocationGranularity, maxPermissions), nil
}

// simulatedReservation backs a subspace of a Simulated space.
type simulatedReservation struct {
	space *Simulated
	whole addr.Range
}

func (r *simulatedReservation) Range() addr.Range { return r.whole }

func (r *simulatedReservation) SetPermissions(address addr.Address, size uint64, permissions Permissions) error {
	return r.space.SetPagePermissions(address, size, permissions)
}

func (r *simulatedReservation) Decommit(address addr.Address, size uint64) error {
	return r.space.DecommitPages(address, size)
}

func (r *simulatedReservation) Release() error {
	return r.space.FreePages(r.whole.Start, r.whole.Length())
}
