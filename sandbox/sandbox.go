// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
	"github.com/bureau-foundation/vmsandbox/lib/vas"
)

var (
	// ErrReservationFailed means no reservation could be obtained, not
	// even a partial one. The sandbox stays uninitialized.
	ErrReservationFailed = errors.New("sandbox: reservation failed")

	// ErrNotInitialized is returned by operations that need an
	// initialized sandbox.
	ErrNotInitialized = errors.New("sandbox: not initialized")
)

// partialReservationAttempts bounds the hinted reservations tried by
// the partial-reservation path before accepting a base whose sandbox
// end lies outside the address space.
const partialReservationAttempts = 10

// noCopy makes go vet's copylocks check reject copies of a Sandbox.
// Generated code holds the addresses of its fields.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Sandbox is a reserved region of virtual address space for a runtime's
// heap. The zero value is an uninitialized sandbox with the default
// layout.
//
// Initialize, Disable, and TearDown must not run concurrently with each
// other or with any other method. Between a successful Initialize and
// TearDown the geometry is immutable and every read accessor is safe
// for concurrent use.
type Sandbox struct {
	_ noCopy

	base            addr.Address
	end             addr.Address
	size            uint64
	reservationBase addr.Address
	reservationSize uint64

	initialized bool
	disabled    bool

	addressSpace  vas.Subspace
	pageAllocator *PageAllocator
	constants     Constants

	layout  Layout
	logger  *slog.Logger
	metrics *Metrics
}

func (s *Sandbox) requireUninitialized(operation string) {
	if s.initialized {
		panic("sandbox: " + operation + " on an initialized sandbox")
	}
}

// SetLayout replaces the default layout. Panics if the sandbox is
// initialized.
func (s *Sandbox) SetLayout(layout Layout) {
	s.requireUninitialized("SetLayout")
	s.layout = layout
}

// Layout returns the layout Initialize uses.
func (s *Sandbox) Layout() Layout {
	if s.layout.IsZero() {
		return DefaultLayout()
	}
	return s.layout
}

// SetLogger sets the logger for initialization events. A nil logger
// restores slog.Default. Panics if the sandbox is initialized.
func (s *Sandbox) SetLogger(logger *slog.Logger) {
	s.requireUninitialized("SetLogger")
	s.logger = logger
}

func (s *Sandbox) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

// SetMetrics attaches metrics to the sandbox and its page allocator.
// Panics if the sandbox is initialized.
func (s *Sandbox) SetMetrics(metrics *Metrics) {
	s.requireUninitialized("SetMetrics")
	s.metrics = metrics
}

// Initialize reserves the sandbox in space. It first tries a full
// reservation with guard regions and falls back to ever smaller
// partial reservations. A nil error means the sandbox is initialized,
// possibly partially reserved. Otherwise the error wraps
// ErrReservationFailed and no state has changed.
//
// Panics if the sandbox is initialized or disabled, or if the layout
// does not suit the space's allocation granularity.
func (s *Sandbox) Initialize(space vas.AddressSpace) error {
	s.requireUninitialized("Initialize")
	if s.disabled {
		panic("sandbox: Initialize on a disabled sandbox")
	}

	layout := s.Layout()
	granularity := space.AllocationGranularity()
	if err := layout.Validate(granularity); err != nil {
		panic(err.Error())
	}

	// A quarter of the address space is the most the sandbox may take,
	// so hosts with narrow virtual addresses get a smaller reservation.
	sandboxSize := min(layout.Size, addr.RoundDownSize(space.Size()/4, granularity))
	if sandboxSize == 0 {
		s.metrics.observeFailure()
		return fmt.Errorf("%w: address space of %#x bytes is too small", ErrReservationFailed, space.Size())
	}
	sizeToReserve := sandboxSize
	partial := false

	if !space.CanAllocateSubspaces() {
		sizeToReserve = min(layout.MinimumReservationSize, sandboxSize)
		partial = true
	} else if sandboxSize < layout.Size {
		partial = true
	}

	var err error
	if partial {
		s.log().Warn("address space cannot hold a full sandbox, using a partial reservation",
			"size", layout.Size,
			"size_to_reserve", sizeToReserve,
			"address_space_size", space.Size(),
			"subspaces", space.CanAllocateSubspaces(),
		)
		err = s.initializeAsPartiallyReserved(space, layout.Size, sizeToReserve)
	} else {
		err = s.initializeWithSize(space, sandboxSize, true)
		if err != nil {
			s.log().Warn("full sandbox reservation failed, falling back to a partial reservation",
				"size", sandboxSize,
				"error", err,
			)
		}
	}

	for err != nil && sizeToReserve > layout.MinimumReservationSize {
		sizeToReserve = max(addr.RoundDownSize(sizeToReserve/2, granularity), layout.MinimumReservationSize)
		s.log().Debug("trying partial sandbox reservation", "size", layout.Size, "size_to_reserve", sizeToReserve)
		err = s.initializeAsPartiallyReserved(space, layout.Size, sizeToReserve)
	}

	if err != nil {
		s.metrics.observeFailure()
		s.log().Error("sandbox reservation failed at every size",
			"size", layout.Size,
			"minimum_reservation_size", layout.MinimumReservationSize,
			"error", err,
		)
		return err
	}

	if s.IsPartiallyReserved() {
		s.log().Warn("sandbox is partially reserved, memory past the reservation is not exclusively owned",
			"reservation_size", s.reservationSize,
			"size", s.size,
		)
	}
	s.log().Info("sandbox initialized",
		"base", s.base.String(),
		"size", s.size,
		"reservation_size", s.reservationSize,
		"partially_reserved", s.IsPartiallyReserved(),
	)
	return nil
}

// initializeWithSize reserves size bytes plus, when useGuardRegions is
// set, a guard region on each side. Nothing changes on failure.
func (s *Sandbox) initializeWithSize(space vas.AddressSpace, size uint64, useGuardRegions bool) error {
	s.requireUninitialized("initializeWithSize")
	if s.disabled {
		panic("sandbox: initializeWithSize on a disabled sandbox")
	}
	if !space.CanAllocateSubspaces() {
		panic("sandbox: full reservation needs an address space that can allocate subspaces")
	}
	granularity := space.AllocationGranularity()
	if size == 0 || !addr.IsMultiple(size, granularity) {
		panic(fmt.Sprintf("sandbox: size %#x is not a positive multiple of the allocation granularity %#x", size, granularity))
	}

	layout := s.Layout()
	var guardSize uint64
	if useGuardRegions {
		guardSize = layout.GuardRegionSize
		if guardSize%layout.Alignment != 0 {
			panic(fmt.Sprintf("sandbox: guard region size %#x is not a multiple of the alignment %#x",
				guardSize, layout.Alignment))
		}
	}

	reservationSize := size + 2*guardSize
	hint := addr.RoundDown(space.RandomPageAddress(), layout.Alignment)
	subspace, err := space.AllocateSubspace(hint, reservationSize, layout.Alignment, vas.ReadWrite)
	if err != nil {
		return fmt.Errorf("%w: reserving %#x bytes with %#x-byte guard regions: %w",
			ErrReservationFailed, reservationSize, guardSize, err)
	}

	reservationBase := subspace.Base()
	base := reservationBase.Add(guardSize)
	end := base.Add(size)

	if guardSize > 0 {
		// The subspace was just created, so these ranges are free.
		if err := subspace.AllocateGuardRegion(reservationBase, guardSize); err != nil {
			panic(fmt.Sprintf("sandbox: front guard region at %v: %v", reservationBase, err))
		}
		if err := subspace.AllocateGuardRegion(end, guardSize); err != nil {
			panic(fmt.Sprintf("sandbox: back guard region at %v: %v", end, err))
		}
	}

	s.commit(subspace, base, size, reservationBase, reservationSize)
	return nil
}

// initializeAsPartiallyReserved reserves only sizeToReserve bytes and
// presents them as a size-byte sandbox through an emulated subspace.
// There are no guard regions. Nothing changes on failure.
func (s *Sandbox) initializeAsPartiallyReserved(space vas.AddressSpace, size, sizeToReserve uint64) error {
	s.requireUninitialized("initializeAsPartiallyReserved")
	if s.disabled {
		panic("sandbox: initializeAsPartiallyReserved on a disabled sandbox")
	}
	granularity := space.AllocationGranularity()
	if size == 0 || !addr.IsMultiple(size, granularity) {
		panic(fmt.Sprintf("sandbox: size %#x is not a positive multiple of the allocation granularity %#x", size, granularity))
	}
	if sizeToReserve == 0 || !addr.IsMultiple(sizeToReserve, granularity) {
		panic(fmt.Sprintf("sandbox: size to reserve %#x is not a positive multiple of the allocation granularity %#x",
			sizeToReserve, granularity))
	}
	if sizeToReserve >= size {
		panic(fmt.Sprintf("sandbox: size to reserve %#x is not below the sandbox size %#x", sizeToReserve, size))
	}

	alignment := s.Layout().Alignment
	// Bases at or below highest keep the whole sandbox inside the
	// address space, even though only part of it is reserved.
	highest := space.Base()
	if space.Size() > size {
		highest = space.Base().Add(space.Size() - size)
	}

	var reservationBase addr.Address
	for attempt := 1; attempt <= partialReservationAttempts; attempt++ {
		hint := space.Base().Add(rand.Uint64N(highest.Offset(space.Base()) + 1))
		hint = addr.RoundDown(hint, alignment)

		base, err := space.AllocatePages(hint, sizeToReserve, alignment, vas.NoAccess)
		if err != nil {
			return fmt.Errorf("%w: reserving %#x of %#x bytes: %w", ErrReservationFailed, sizeToReserve, size, err)
		}
		if base <= highest || attempt == partialReservationAttempts {
			reservationBase = base
			break
		}
		if err := space.FreePages(base, sizeToReserve); err != nil {
			return fmt.Errorf("%w: returning reservation at %v: %w", ErrReservationFailed, base, err)
		}
	}

	emulated := vas.NewEmulatedSubspace(space, reservationBase, sizeToReserve, size)
	s.commit(emulated, reservationBase, size, reservationBase, sizeToReserve)
	return nil
}

// commit installs a successful reservation.
func (s *Sandbox) commit(space vas.Subspace, base addr.Address, size uint64, reservationBase addr.Address, reservationSize uint64) {
	s.addressSpace = space
	s.base = base
	s.size = size
	s.end = base.Add(size)
	s.reservationBase = reservationBase
	s.reservationSize = reservationSize
	s.pageAllocator = NewPageAllocator(space, s.metrics)
	s.initialized = true
	s.initializeConstants()
	s.metrics.observeGeometry(s.size, s.reservationSize, s.IsPartiallyReserved())
}

// initializeConstants places the empty backing store on the last byte
// of the sandbox, so that any access past it runs off the end.
func (s *Sandbox) initializeConstants() {
	s.constants.setEmptyBackingStoreBuffer(s.end.Sub(1))
}

// Disable marks the sandbox as permanently unused. Panics if the
// sandbox is initialized.
func (s *Sandbox) Disable() {
	s.requireUninitialized("Disable")
	s.disabled = true
}

// TearDown releases the reservation and returns the sandbox to its
// zero geometry, after which it may be initialized again. A disabled
// sandbox stays disabled. The page allocator must not be in use.
func (s *Sandbox) TearDown() error {
	var err error
	if s.initialized {
		if closeErr := s.addressSpace.Close(); closeErr != nil {
			err = fmt.Errorf("sandbox: releasing reservation at %v: %w", s.reservationBase, closeErr)
		}
		s.metrics.resetGeometry()
	}

	s.addressSpace = nil
	s.pageAllocator = nil
	s.base = addr.Null
	s.end = addr.Null
	s.size = 0
	s.reservationBase = addr.Null
	s.reservationSize = 0
	s.initialized = false
	s.constants.reset()
	return err
}

// Contains reports whether address lies in [Base, End). It is false
// for every address while the sandbox is uninitialized.
func (s *Sandbox) Contains(address addr.Address) bool {
	return address >= s.base && address.Offset(s.base) < s.size
}

// ContainsRange reports whether [address, address+size) lies entirely
// inside the sandbox.
func (s *Sandbox) ContainsRange(address addr.Address, size uint64) bool {
	if !s.Contains(address) {
		return false
	}
	return size <= s.size-address.Offset(s.base)
}

// Base returns the first address of the sandbox.
func (s *Sandbox) Base() addr.Address { return s.base }

// End returns the address one past the sandbox.
func (s *Sandbox) End() addr.Address { return s.end }

// Size returns the size of the sandbox in bytes.
func (s *Sandbox) Size() uint64 { return s.size }

// Range returns [Base, End).
func (s *Sandbox) Range() addr.Range { return addr.Range{Start: s.base, End: s.end} }

// ReservationBase returns the start of the underlying reservation.
func (s *Sandbox) ReservationBase() addr.Address { return s.reservationBase }

// ReservationSize returns the size of the underlying reservation. It
// exceeds Size when there are guard regions and is smaller than Size
// when the sandbox is partially reserved.
func (s *Sandbox) ReservationSize() uint64 { return s.reservationSize }

// IsPartiallyReserved reports whether only part of the sandbox is
// backed by a reservation.
func (s *Sandbox) IsPartiallyReserved() bool { return s.reservationSize < s.size }

func (s *Sandbox) IsInitialized() bool { return s.initialized }
func (s *Sandbox) IsDisabled() bool    { return s.disabled }
func (s *Sandbox) IsEnabled() bool     { return !s.disabled }

// BaseAddress returns where the sandbox base is stored.
func (s *Sandbox) BaseAddress() addr.Address { return addr.AddressOf(&s.base) }

// EndAddress returns where the sandbox end is stored.
func (s *Sandbox) EndAddress() addr.Address { return addr.AddressOf(&s.end) }

// SizeAddress returns where the sandbox size is stored.
func (s *Sandbox) SizeAddress() addr.Address { return addr.AddressOf(&s.size) }

// AddressSpace returns the space covering the sandbox, or nil when
// uninitialized.
func (s *Sandbox) AddressSpace() vas.AddressSpace {
	if s.addressSpace == nil {
		return nil
	}
	return s.addressSpace
}

// PageAllocator returns the allocator for pages inside the sandbox.
func (s *Sandbox) PageAllocator() (*PageAllocator, error) {
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return s.pageAllocator, nil
}

// Constants returns the sandbox's constants. The pointer stays valid
// for the lifetime of the Sandbox.
func (s *Sandbox) Constants() *Constants { return &s.constants }

// Snapshot copies the current geometry.
func (s *Sandbox) Snapshot() Snapshot {
	return Snapshot{
		Initialized:             s.initialized,
		Disabled:                s.disabled,
		Base:                    s.base,
		End:                     s.end,
		Size:                    s.size,
		ReservationBase:         s.reservationBase,
		ReservationSize:         s.reservationSize,
		PartiallyReserved:       s.IsPartiallyReserved(),
		Layout:                  s.Layout(),
		EmptyBackingStoreBuffer: s.constants.EmptyBackingStoreBuffer(),
	}
}
