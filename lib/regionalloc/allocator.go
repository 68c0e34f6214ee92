// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package regionalloc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
)

var (
	// ErrExhausted means no free region can satisfy the request.
	ErrExhausted = errors.New("regionalloc: no free region large enough")

	// ErrOccupied means the requested addresses are not entirely free.
	ErrOccupied = errors.New("regionalloc: requested range is not free")

	// ErrOutOfRange means the requested addresses fall outside the allocator.
	ErrOutOfRange = errors.New("regionalloc: requested range outside allocator")

	// ErrNotAllocated means no allocated region starts at the given address.
	ErrNotAllocated = errors.New("regionalloc: no region starts at address")
)

// State is the state of a region.
type State int

const (
	// Free regions are available for allocation.
	Free State = iota
	// Allocated regions were handed out by an allocation call.
	Allocated
	// Guard regions are reserved and must never be handed out or accessed.
	Guard
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Allocated:
		return "allocated"
	case Guard:
		return "guard"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Region is a contiguous piece of the allocator's range in one state.
type Region struct {
	Start addr.Address
	Size  uint64
	State State
}

// End returns the first address after the region.
func (r Region) End() addr.Address {
	return r.Start.Add(r.Size)
}

// Range returns the region as an address range.
func (r Region) Range() addr.Range {
	return addr.RangeOf(r.Start, r.Size)
}

// Allocator hands out page-granular regions of a fixed address range.
type Allocator struct {
	whole     addr.Range
	pageSize  uint64
	regions   []Region
	freeBytes uint64
}

// New returns an allocator covering whole, with every region a multiple
// of pageSize. Panics if whole is not page aligned.
func New(whole addr.Range, pageSize uint64) *Allocator {
	if pageSize == 0 {
		panic("regionalloc: zero page size")
	}
	if !whole.WellFormed() || whole.IsEmpty() {
		panic(fmt.Sprintf("regionalloc: invalid range %v", whole))
	}
	if !addr.IsMultiple(uint64(whole.Start), pageSize) || !addr.IsMultiple(whole.Length(), pageSize) {
		panic(fmt.Sprintf("regionalloc: range %v is not a multiple of page size %#x", whole, pageSize))
	}
	return &Allocator{
		whole:     whole,
		pageSize:  pageSize,
		regions:   []Region{{Start: whole.Start, Size: whole.Length(), State: Free}},
		freeBytes: whole.Length(),
	}
}

// Range returns the range managed by the allocator.
func (a *Allocator) Range() addr.Range { return a.whole }

// PageSize returns the allocation granularity.
func (a *Allocator) PageSize() uint64 { return a.pageSize }

// FreeBytes returns the number of bytes in free regions.
func (a *Allocator) FreeBytes() uint64 { return a.freeBytes }

// Regions returns a copy of the current region list in address order.
func (a *Allocator) Regions() []Region {
	return append([]Region(nil), a.regions...)
}

func (a *Allocator) checkSize(size uint64) {
	if size == 0 || !addr.IsMultiple(size, a.pageSize) {
		panic(fmt.Sprintf("regionalloc: size %#x is not a positive multiple of page size %#x", size, a.pageSize))
	}
}

// find returns the index of the region containing address, or -1.
func (a *Allocator) find(address addr.Address) int {
	if !a.whole.Contains(address) {
		return -1
	}
	return sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].End() > address
	})
}

// AllocateRegion allocates size bytes from the first free region large
// enough to hold them.
func (a *Allocator) AllocateRegion(size uint64) (addr.Address, error) {
	a.checkSize(size)
	for _, region := range a.regions {
		if region.State == Free && region.Size >= size {
			return region.Start, a.carve(region.Start, size, Allocated)
		}
	}
	return addr.Null, ErrExhausted
}

// AllocateAlignedRegion allocates size bytes starting at a multiple of
// alignment. Alignment must be a power of two.
func (a *Allocator) AllocateAlignedRegion(size, alignment uint64) (addr.Address, error) {
	a.checkSize(size)
	if alignment < a.pageSize {
		alignment = a.pageSize
	}
	for _, region := range a.regions {
		if region.State != Free || region.Size < size {
			continue
		}
		start := addr.RoundUp(region.Start, alignment)
		if start < region.End() && region.End().Offset(start) >= size {
			return start, a.carve(start, size, Allocated)
		}
	}
	return addr.Null, ErrExhausted
}

// AllocateRegionNear tries to allocate at hint rounded down to
// alignment, falling back to any aligned free region.
func (a *Allocator) AllocateRegionNear(hint addr.Address, size, alignment uint64) (addr.Address, error) {
	a.checkSize(size)
	if alignment < a.pageSize {
		alignment = a.pageSize
	}
	if hint != addr.Null {
		start := addr.RoundDown(hint, alignment)
		if a.IsFree(start, size) {
			return start, a.carve(start, size, Allocated)
		}
	}
	return a.AllocateAlignedRegion(size, alignment)
}

// AllocateRegionAt marks exactly [address, address+size) with state.
// The whole range must currently be free.
func (a *Allocator) AllocateRegionAt(address addr.Address, size uint64, state State) error {
	a.checkSize(size)
	if state == Free {
		panic("regionalloc: cannot allocate a region as free")
	}
	if !addr.IsMultiple(uint64(address), a.pageSize) {
		panic(fmt.Sprintf("regionalloc: address %v is not page aligned", address))
	}
	if !a.IsFree(address, size) {
		if !a.whole.ContainsRange(addr.Range{Start: address, End: address + addr.Address(size)}) {
			return ErrOutOfRange
		}
		return ErrOccupied
	}
	return a.carve(address, size, state)
}

// IsFree reports whether [address, address+size) is inside the
// allocator and entirely free.
func (a *Allocator) IsFree(address addr.Address, size uint64) bool {
	end := address + addr.Address(size)
	if end < address || !a.whole.ContainsRange(addr.Range{Start: address, End: end}) {
		return false
	}
	index := a.find(address)
	if index < 0 {
		return false
	}
	region := a.regions[index]
	return region.State == Free && region.End() >= end
}

// carve splits the free region containing [start, start+size) so that
// exactly that range carries state. The caller has checked it is free.
func (a *Allocator) carve(start addr.Address, size uint64, state State) error {
	index := a.find(start)
	region := a.regions[index]

	var replacement []Region
	if region.Start < start {
		replacement = append(replacement, Region{Start: region.Start, Size: start.Offset(region.Start), State: Free})
	}
	replacement = append(replacement, Region{Start: start, Size: size, State: state})
	if tail := region.End().Offset(start.Add(size)); tail > 0 {
		replacement = append(replacement, Region{Start: start.Add(size), Size: tail, State: Free})
	}

	a.regions = append(a.regions[:index], append(replacement, a.regions[index+1:]...)...)
	a.freeBytes -= size
	return nil
}

// RegionAt returns the region containing address.
func (a *Allocator) RegionAt(address addr.Address) (Region, bool) {
	index := a.find(address)
	if index < 0 {
		return Region{}, false
	}
	return a.regions[index], true
}

// CheckRegion returns the size and state of the non-free region that
// starts exactly at address.
func (a *Allocator) CheckRegion(address addr.Address) (uint64, State, error) {
	index := a.find(address)
	if index < 0 {
		return 0, Free, ErrOutOfRange
	}
	region := a.regions[index]
	if region.Start != address || region.State == Free {
		return 0, Free, ErrNotAllocated
	}
	return region.Size, region.State, nil
}

// FreeRegion releases the non-free region starting at address and
// returns its size.
func (a *Allocator) FreeRegion(address addr.Address) (uint64, error) {
	size, _, err := a.CheckRegion(address)
	if err != nil {
		return 0, err
	}
	index := a.find(address)
	a.regions[index].State = Free
	a.freeBytes += size
	a.coalesce(index)
	return size, nil
}

// TrimRegion shrinks the allocated region at address to newSize,
// returning the tail to the free list. Returns the number of bytes
// released. A newSize of zero frees the whole region.
func (a *Allocator) TrimRegion(address addr.Address, newSize uint64) (uint64, error) {
	size, _, err := a.CheckRegion(address)
	if err != nil {
		return 0, err
	}
	if newSize == 0 {
		return a.FreeRegion(address)
	}
	a.checkSize(newSize)
	if newSize > size {
		panic(fmt.Sprintf("regionalloc: cannot grow region at %v from %#x to %#x", address, size, newSize))
	}
	if newSize == size {
		return 0, nil
	}

	index := a.find(address)
	a.regions[index].Size = newSize
	released := size - newSize
	tail := Region{Start: address.Add(newSize), Size: released, State: Free}
	a.regions = append(a.regions[:index+1], append([]Region{tail}, a.regions[index+1:]...)...)
	a.freeBytes += released
	a.coalesce(index + 1)
	return released, nil
}

// coalesce merges the free region at index with free neighbours.
func (a *Allocator) coalesce(index int) {
	if index+1 < len(a.regions) && a.regions[index+1].State == Free {
		a.regions[index].Size += a.regions[index+1].Size
		a.regions = append(a.regions[:index+1], a.regions[index+2:]...)
	}
	if index > 0 && a.regions[index-1].State == Free {
		a.regions[index-1].Size += a.regions[index].Size
		a.regions = append(a.regions[:index], a.regions[index+1:]...)
	}
}
