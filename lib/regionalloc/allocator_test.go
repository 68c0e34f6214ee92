// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package regionalloc

import (
	"errors"
	"testing"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
)

const page = 0x1000

func newTestAllocator(t *testing.T, pages uint64) *Allocator {
	t.Helper()
	return New(addr.RangeOf(0x100000, pages*page), page)
}

// checkTiling verifies the allocator's structural invariants: regions
// cover the range without gaps, and no two free regions are adjacent.
func checkTiling(t *testing.T, allocator *Allocator) {
	t.Helper()
	regions := allocator.Regions()
	next := allocator.Range().Start
	var free uint64
	for index, region := range regions {
		if region.Start != next {
			t.Fatalf("region %d starts at %v, expected %v", index, region.Start, next)
		}
		if region.State == Free {
			free += region.Size
			if index > 0 && regions[index-1].State == Free {
				t.Fatalf("regions %d and %d are both free and adjacent", index-1, index)
			}
		}
		next = region.End()
	}
	if next != allocator.Range().End {
		t.Fatalf("regions end at %v, expected %v", next, allocator.Range().End)
	}
	if free != allocator.FreeBytes() {
		t.Fatalf("free bytes %#x, regions sum to %#x", allocator.FreeBytes(), free)
	}
}

func TestAllocateAndFree(t *testing.T) {
	allocator := newTestAllocator(t, 16)

	first, err := allocator.AllocateRegion(4 * page)
	if err != nil {
		t.Fatalf("AllocateRegion: %v", err)
	}
	second, err := allocator.AllocateRegion(4 * page)
	if err != nil {
		t.Fatalf("AllocateRegion: %v", err)
	}
	if first == second {
		t.Fatal("two allocations returned the same address")
	}
	checkTiling(t, allocator)

	if allocator.FreeBytes() != 8*page {
		t.Errorf("FreeBytes = %#x, want %#x", allocator.FreeBytes(), 8*page)
	}

	size, err := allocator.FreeRegion(first)
	if err != nil {
		t.Fatalf("FreeRegion: %v", err)
	}
	if size != 4*page {
		t.Errorf("FreeRegion returned size %#x, want %#x", size, 4*page)
	}
	if _, err := allocator.FreeRegion(second); err != nil {
		t.Fatalf("FreeRegion: %v", err)
	}
	checkTiling(t, allocator)

	if got := len(allocator.Regions()); got != 1 {
		t.Errorf("expected a single coalesced region, got %d", got)
	}
}

func TestExhaustion(t *testing.T) {
	allocator := newTestAllocator(t, 4)
	if _, err := allocator.AllocateRegion(4 * page); err != nil {
		t.Fatalf("AllocateRegion: %v", err)
	}
	if _, err := allocator.AllocateRegion(page); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestAllocateRegionAt(t *testing.T) {
	allocator := newTestAllocator(t, 16)
	base := allocator.Range().Start

	if err := allocator.AllocateRegionAt(base.Add(4*page), 2*page, Guard); err != nil {
		t.Fatalf("AllocateRegionAt: %v", err)
	}
	checkTiling(t, allocator)

	if err := allocator.AllocateRegionAt(base.Add(5*page), page, Allocated); !errors.Is(err, ErrOccupied) {
		t.Fatalf("expected ErrOccupied, got %v", err)
	}
	if err := allocator.AllocateRegionAt(base.Add(15*page), 2*page, Allocated); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}

	size, state, err := allocator.CheckRegion(base.Add(4 * page))
	if err != nil || size != 2*page || state != Guard {
		t.Fatalf("CheckRegion = (%#x, %v, %v), want (%#x, guard, nil)", size, state, err, 2*page)
	}
}

func TestAllocateAlignedRegion(t *testing.T) {
	allocator := newTestAllocator(t, 64)

	// Push the first free address off the 16-page boundary.
	if _, err := allocator.AllocateRegion(page); err != nil {
		t.Fatalf("AllocateRegion: %v", err)
	}

	address, err := allocator.AllocateAlignedRegion(4*page, 16*page)
	if err != nil {
		t.Fatalf("AllocateAlignedRegion: %v", err)
	}
	if !addr.IsAligned(address, 16*page) {
		t.Errorf("address %v is not 64 KiB aligned", address)
	}
	checkTiling(t, allocator)
}

func TestAllocateRegionNear(t *testing.T) {
	allocator := newTestAllocator(t, 16)
	hint := allocator.Range().Start.Add(8 * page)

	address, err := allocator.AllocateRegionNear(hint, 2*page, page)
	if err != nil {
		t.Fatalf("AllocateRegionNear: %v", err)
	}
	if address != hint {
		t.Errorf("expected allocation at hint %v, got %v", hint, address)
	}

	// Hint is now occupied, so the allocator falls back to the first fit.
	address, err = allocator.AllocateRegionNear(hint, 2*page, page)
	if err != nil {
		t.Fatalf("AllocateRegionNear: %v", err)
	}
	if address == hint {
		t.Error("second allocation at an occupied hint")
	}
	checkTiling(t, allocator)
}

func TestTrimRegion(t *testing.T) {
	allocator := newTestAllocator(t, 16)
	address, err := allocator.AllocateRegion(8 * page)
	if err != nil {
		t.Fatalf("AllocateRegion: %v", err)
	}

	released, err := allocator.TrimRegion(address, 2*page)
	if err != nil {
		t.Fatalf("TrimRegion: %v", err)
	}
	if released != 6*page {
		t.Errorf("released %#x, want %#x", released, 6*page)
	}
	checkTiling(t, allocator)

	size, _, err := allocator.CheckRegion(address)
	if err != nil || size != 2*page {
		t.Fatalf("CheckRegion after trim = (%#x, %v)", size, err)
	}

	if released, err := allocator.TrimRegion(address, 0); err != nil || released != 2*page {
		t.Fatalf("TrimRegion to zero = (%#x, %v)", released, err)
	}
	checkTiling(t, allocator)
}

func TestFreeUnknownRegion(t *testing.T) {
	allocator := newTestAllocator(t, 4)
	if _, err := allocator.FreeRegion(allocator.Range().Start); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("expected ErrNotAllocated, got %v", err)
	}
	if _, err := allocator.FreeRegion(0x10); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestUnalignedSizePanics(t *testing.T) {
	allocator := newTestAllocator(t, 4)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unaligned size")
		}
	}()
	_, _ = allocator.AllocateRegion(page + 1)
}

func TestManyAllocationsKeepTiling(t *testing.T) {
	allocator := newTestAllocator(t, 128)
	var addresses []addr.Address
	for index := 0; index < 32; index++ {
		address, err := allocator.AllocateRegion(uint64(index%3+1) * page)
		if err != nil {
			t.Fatalf("allocation %d: %v", index, err)
		}
		addresses = append(addresses, address)
	}
	// Free every other allocation, then the rest, checking invariants
	// after each step.
	for index := 0; index < len(addresses); index += 2 {
		if _, err := allocator.FreeRegion(addresses[index]); err != nil {
			t.Fatalf("free %d: %v", index, err)
		}
		checkTiling(t, allocator)
	}
	for index := 1; index < len(addresses); index += 2 {
		if _, err := allocator.FreeRegion(addresses[index]); err != nil {
			t.Fatalf("free %d: %v", index, err)
		}
		checkTiling(t, allocator)
	}
	if allocator.FreeBytes() != allocator.Range().Length() {
		t.Errorf("FreeBytes = %#x after freeing everything, want %#x", allocator.FreeBytes(), allocator.Range().Length())
	}
}
