// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package vas

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
)

func protection(permissions Permissions) int {
	prot := unix.PROT_NONE
	if permissions.CanRead() {
		prot |= unix.PROT_READ
	}
	if permissions.CanWrite() {
		prot |= unix.PROT_WRITE
	}
	if permissions.CanExecute() {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// mapAnonymous creates an anonymous private mapping. Without fixed the
// address is only a hint. Inaccessible mappings are created with
// MAP_NORESERVE so that large reservations do not count against
// overcommit accounting.
func mapAnonymous(hint addr.Address, size uint64, permissions Permissions, fixed bool) (addr.Address, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	if permissions == NoAccess {
		flags |= unix.MAP_NORESERVE
	}
	if fixed {
		flags |= unix.MAP_FIXED
	}
	pointer, err := unix.MmapPtr(-1, 0, hint.Pointer(), uintptr(size), protection(permissions), flags)
	if err != nil {
		return addr.Null, fmt.Errorf("mmap(%v, %#x, %v): %w", hint, size, permissions, err)
	}
	return addr.FromPointer(pointer), nil
}

func unmap(address addr.Address, size uint64) error {
	if err := unix.MunmapPtr(address.Pointer(), uintptr(size)); err != nil {
		return fmt.Errorf("munmap(%v, %#x): %w", address, size, err)
	}
	return nil
}

func protect(address addr.Address, size uint64, permissions Permissions) error {
	if err := unix.Mprotect(address.Bytes(size), protection(permissions)); err != nil {
		return fmt.Errorf("mprotect(%v, %#x, %v): %w", address, size, permissions, err)
	}
	return nil
}

// decommit replaces the pages with a fresh inaccessible mapping, which
// drops their contents and physical backing while keeping the range
// reserved.
func decommit(address addr.Address, size uint64) error {
	mapped, err := mapAnonymous(address, size, NoAccess, true)
	if err != nil {
		return err
	}
	if mapped != address {
		return fmt.Errorf("decommit: MAP_FIXED returned %v for %v", mapped, address)
	}
	return nil
}

// mapAligned maps size bytes at a multiple of alignment by
// over-reserving and trimming the excess on both sides.
func mapAligned(hint addr.Address, size, alignment, pageSize uint64, permissions Permissions) (addr.Address, error) {
	if alignment <= pageSize {
		return mapAnonymous(hint, size, permissions, false)
	}

	request := size + alignment - pageSize
	base, err := mapAnonymous(addr.RoundDown(hint, alignment), request, permissions, false)
	if err != nil {
		return addr.Null, err
	}

	aligned := addr.RoundUp(base, alignment)
	if prefix := aligned.Offset(base); prefix > 0 {
		if err := unmap(base, prefix); err != nil {
			return addr.Null, err
		}
	}
	end := base.Add(request)
	if suffix := end.Offset(aligned.Add(size)); suffix > 0 {
		if err := unmap(aligned.Add(size), suffix); err != nil {
			return addr.Null, err
		}
	}
	return aligned, nil
}
