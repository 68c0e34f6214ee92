// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandboxtest_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
	"github.com/bureau-foundation/vmsandbox/lib/testutil"
	"github.com/bureau-foundation/vmsandbox/lib/vas"
	"github.com/bureau-foundation/vmsandbox/sandbox"
	"github.com/bureau-foundation/vmsandbox/sandbox/sandboxtest"
)

const (
	pageSize    = 4 << 10
	granularity = 64 << 10
	guardSize   = 4 * granularity
)

func newSpace() *vas.Simulated {
	return vas.NewSimulated(vas.SimulatedConfig{
		Base:                  1 << 40,
		Size:                  1 << 30,
		PageSize:              pageSize,
		AllocationGranularity: granularity,
		Seed:                  7,
	})
}

func newSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	s := new(sandbox.Sandbox)
	s.SetLayout(sandbox.Layout{
		Size:                   16 * granularity,
		GuardRegionSize:        guardSize,
		Alignment:              guardSize,
		MinimumReservationSize: granularity,
	})
	s.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		if err := s.TearDown(); err != nil {
			t.Errorf("TearDown: %v", err)
		}
	})
	return s
}

func TestInitializeWithSizeAndGuardRegions(t *testing.T) {
	space := newSpace()
	s := newSandbox(t)

	if err := sandboxtest.InitializeWithSize(s, space, 4*granularity, true); err != nil {
		t.Fatalf("InitializeWithSize: %v", err)
	}
	if !s.IsInitialized() {
		t.Fatal("sandbox is not initialized")
	}
	if s.Size() != 4*granularity {
		t.Errorf("Size = %#x, want %#x", s.Size(), 4*granularity)
	}
	if want := uint64(4*granularity + 2*guardSize); s.ReservationSize() != want {
		t.Errorf("ReservationSize = %#x, want %#x", s.ReservationSize(), want)
	}
	if s.IsPartiallyReserved() {
		t.Error("full reservation reports partially reserved")
	}
	if s.Base() != s.ReservationBase().Add(guardSize) {
		t.Errorf("Base %v is not one guard region past %v", s.Base(), s.ReservationBase())
	}
	if s.Constants().EmptyBackingStoreBuffer() != s.End().Sub(1) {
		t.Errorf("constants not initialized: %v", s.Constants().EmptyBackingStoreBuffer())
	}
}

func TestInitializeWithSizeWithoutGuardRegions(t *testing.T) {
	space := newSpace()
	s := newSandbox(t)

	if err := sandboxtest.InitializeWithSize(s, space, 4*granularity, false); err != nil {
		t.Fatalf("InitializeWithSize: %v", err)
	}
	if s.ReservationSize() != s.Size() {
		t.Errorf("ReservationSize = %#x, want Size %#x", s.ReservationSize(), s.Size())
	}
	if s.ReservationBase() != s.Base() {
		t.Errorf("ReservationBase = %v, want Base %v", s.ReservationBase(), s.Base())
	}
}

func TestInitializeWithSizeFailureLeavesNoState(t *testing.T) {
	space := newSpace()
	space.SetMaxAllocationSize(4 * granularity)
	s := newSandbox(t)

	err := sandboxtest.InitializeWithSize(s, space, 4*granularity, true)
	if !errors.Is(err, sandbox.ErrReservationFailed) {
		t.Fatalf("InitializeWithSize: got %v, want ErrReservationFailed", err)
	}
	if s.IsInitialized() || s.Size() != 0 || s.Base() != addr.Null || s.ReservationSize() != 0 {
		t.Errorf("failed InitializeWithSize mutated state: %+v", s.Snapshot())
	}
	if got := space.AllocatedBytes(); got != 0 {
		t.Errorf("failed InitializeWithSize leaked %#x bytes", got)
	}
}

func TestInitializeWithSizePreconditions(t *testing.T) {
	t.Run("size off granularity", func(t *testing.T) {
		s := newSandbox(t)
		testutil.RequirePanics(t, func() {
			_ = sandboxtest.InitializeWithSize(s, newSpace(), 4*granularity+pageSize, true)
		}, "allocation granularity")
	})
	t.Run("no subspaces", func(t *testing.T) {
		s := newSandbox(t)
		space := vas.NewSimulated(vas.SimulatedConfig{Base: 1 << 40, Size: 1 << 30, DisableSubspaces: true})
		testutil.RequirePanics(t, func() {
			_ = sandboxtest.InitializeWithSize(s, space, 4*granularity, true)
		}, "subspaces")
	})
	t.Run("already initialized", func(t *testing.T) {
		s := newSandbox(t)
		space := newSpace()
		if err := sandboxtest.InitializeWithSize(s, space, 4*granularity, true); err != nil {
			t.Fatalf("InitializeWithSize: %v", err)
		}
		testutil.RequirePanics(t, func() {
			_ = sandboxtest.InitializeWithSize(s, space, 4*granularity, true)
		}, "initialized")
	})
}

func TestInitializeAsPartiallyReserved(t *testing.T) {
	space := newSpace()
	s := newSandbox(t)

	if err := sandboxtest.InitializeAsPartiallyReserved(s, space, 16*granularity, 4*granularity); err != nil {
		t.Fatalf("InitializeAsPartiallyReserved: %v", err)
	}
	if !s.IsPartiallyReserved() {
		t.Fatal("sandbox is not partially reserved")
	}
	if s.Size() != 16*granularity || s.ReservationSize() != 4*granularity {
		t.Errorf("Size = %#x, ReservationSize = %#x", s.Size(), s.ReservationSize())
	}
	if s.ReservationBase() != s.Base() {
		t.Errorf("ReservationBase %v differs from Base %v", s.ReservationBase(), s.Base())
	}
	if !addr.IsAligned(s.Base(), guardSize) {
		t.Errorf("Base %v is not aligned to %#x", s.Base(), guardSize)
	}
	if !space.Range().ContainsRange(s.Range()) {
		t.Errorf("sandbox %v leaves the address space %v", s.Range(), space.Range())
	}
	if got := space.AllocatedBytes(); got != 4*granularity {
		t.Errorf("space has %#x bytes allocated, want only the reservation", got)
	}
	if s.AddressSpace().Size() != s.Size() {
		t.Errorf("emulated space advertises %#x bytes, want %#x", s.AddressSpace().Size(), s.Size())
	}
}

func TestPartiallyReservedPageAllocation(t *testing.T) {
	space := newSpace()
	s := newSandbox(t)
	if err := sandboxtest.InitializeAsPartiallyReserved(s, space, 16*granularity, 4*granularity); err != nil {
		t.Fatalf("InitializeAsPartiallyReserved: %v", err)
	}
	allocator, err := s.PageAllocator()
	if err != nil {
		t.Fatalf("PageAllocator: %v", err)
	}
	reserved := addr.RangeOf(s.ReservationBase(), s.ReservationSize())

	// Small allocations come from the reserved part.
	small, err := allocator.AllocatePages(addr.Null, granularity, 0, vas.ReadWrite)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if !reserved.ContainsRange(addr.RangeOf(small, granularity)) {
		t.Errorf("small allocation %v outside the reservation %v", small, reserved)
	}

	// An allocation larger than the reservation lands in the unreserved
	// part of the sandbox.
	large, err := allocator.AllocatePages(addr.Null, 8*granularity, 0, vas.ReadWrite)
	if err != nil {
		t.Fatalf("large AllocatePages: %v", err)
	}
	if !s.ContainsRange(large, 8*granularity) {
		t.Errorf("large allocation %v outside the sandbox %v", large, s.Range())
	}
	if reserved.Overlaps(addr.RangeOf(large, 8*granularity)) {
		t.Errorf("large allocation %v overlaps the reservation %v", large, reserved)
	}
	if got := space.PermissionsAt(large); got != vas.ReadWrite {
		t.Errorf("large allocation permissions = %v, want rw", got)
	}

	for _, allocation := range []struct {
		address addr.Address
		size    uint64
	}{{small, granularity}, {large, 8 * granularity}} {
		if err := allocator.FreePages(allocation.address, allocation.size); err != nil {
			t.Fatalf("FreePages(%v): %v", allocation.address, err)
		}
	}
	if got := space.AllocatedBytes(); got != 4*granularity {
		t.Errorf("space has %#x bytes allocated after frees, want the reservation only", got)
	}
}

func TestInitializeAsPartiallyReservedFailure(t *testing.T) {
	space := newSpace()
	space.SetFailAll(true)
	s := newSandbox(t)

	err := sandboxtest.InitializeAsPartiallyReserved(s, space, 16*granularity, 4*granularity)
	if !errors.Is(err, sandbox.ErrReservationFailed) {
		t.Fatalf("got %v, want ErrReservationFailed", err)
	}
	if s.IsInitialized() || s.Size() != 0 || s.ReservationSize() != 0 {
		t.Errorf("failed partial reservation mutated state: %+v", s.Snapshot())
	}
}

func TestInitializeAsPartiallyReservedPreconditions(t *testing.T) {
	tests := []struct {
		name          string
		size          uint64
		sizeToReserve uint64
		want          string
	}{
		{"reserve not below size", 4 * granularity, 4 * granularity, "not below"},
		{"size off granularity", 4*granularity + pageSize, granularity, "allocation granularity"},
		{"reserve off granularity", 4 * granularity, pageSize, "allocation granularity"},
		{"zero reserve", 4 * granularity, 0, "allocation granularity"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newSandbox(t)
			testutil.RequirePanics(t, func() {
				_ = sandboxtest.InitializeAsPartiallyReserved(s, newSpace(), test.size, test.sizeToReserve)
			}, test.want)
		})
	}
}

func TestPartiallyReservedSandboxLargerThanSpace(t *testing.T) {
	// No base keeps a sandbox this large inside the space, so the
	// reservation is placed at the bottom and the rest of the sandbox
	// extends past the end of the space.
	space := vas.NewSimulated(vas.SimulatedConfig{
		Base:                  1 << 40,
		Size:                  8 * granularity,
		PageSize:              pageSize,
		AllocationGranularity: granularity,
	})
	s := newSandbox(t)

	if err := sandboxtest.InitializeAsPartiallyReserved(s, space, 16*granularity, 4*granularity); err != nil {
		t.Fatalf("InitializeAsPartiallyReserved: %v", err)
	}
	if s.Base() != space.Base() {
		t.Errorf("Base = %v, want the bottom of the space %v", s.Base(), space.Base())
	}
	if space.Range().ContainsRange(s.Range()) {
		t.Errorf("sandbox %v unexpectedly fits in %v", s.Range(), space.Range())
	}
}

func TestPartiallyReservedRetriesMisplacedReservations(t *testing.T) {
	// The space ignores hints and the low part is taken, so every
	// reservation lands too high for the sandbox to fit. Each attempt
	// but the last is returned.
	space := vas.NewSimulated(vas.SimulatedConfig{
		Base:                  1 << 40,
		Size:                  32 * granularity,
		PageSize:              pageSize,
		AllocationGranularity: granularity,
		IgnoreHints:           true,
	})
	occupied, err := space.AllocatePages(addr.Null, 20*granularity, 0, vas.NoAccess)
	if err != nil {
		t.Fatalf("occupying the low part: %v", err)
	}
	s := newSandbox(t)

	if err := sandboxtest.InitializeAsPartiallyReserved(s, space, 16*granularity, 4*granularity); err != nil {
		t.Fatalf("InitializeAsPartiallyReserved: %v", err)
	}
	highest := space.Base().Add(space.Size() - 16*granularity)
	if s.Base() <= highest {
		t.Fatalf("Base %v should be above %v", s.Base(), highest)
	}
	if s.Base() < occupied.Add(20*granularity) {
		t.Errorf("Base %v overlaps the occupied range", s.Base())
	}
	if got := space.AllocatedBytes(); got != 24*granularity {
		t.Errorf("space has %#x bytes allocated, want %#x (rejected attempts must be freed)", got, 24*granularity)
	}
}
