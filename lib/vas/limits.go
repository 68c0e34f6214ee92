// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vas

import "fmt"

// defaultVirtualAddressBits is assumed when the host does not report
// its virtual address width: 48-bit virtual addresses split evenly
// between user space and kernel.
const defaultVirtualAddressBits = 48

// Limits describes the host's virtual memory constraints.
type Limits struct {
	// VirtualAddressBits is the CPU's virtual address width.
	VirtualAddressBits int

	// UserAddressSpaceSize is the size of the user half of the virtual
	// address space, further capped by AddressSpaceLimit.
	UserAddressSpaceSize uint64

	// AddressSpaceLimit is RLIMIT_AS, or 0 if unlimited.
	AddressSpaceLimit uint64

	// PageSize is the host page size.
	PageSize uint64

	// Overcommit is the kernel's overcommit policy (linux only), or "".
	Overcommit string
}

// String summarises the limits for logs.
func (l Limits) String() string {
	return fmt.Sprintf("va_bits=%d user=%#x rlimit_as=%#x page=%#x overcommit=%q",
		l.VirtualAddressBits, l.UserAddressSpaceSize, l.AddressSpaceLimit, l.PageSize, l.Overcommit)
}

// userSpaceSize computes the user half of the address space for the
// given width, capped by a non-zero rlimit.
func userSpaceSize(virtualAddressBits int, rlimit uint64) uint64 {
	if virtualAddressBits <= 1 || virtualAddressBits > 64 {
		virtualAddressBits = defaultVirtualAddressBits
	}
	size := uint64(1) << (virtualAddressBits - 1)
	if rlimit != 0 && rlimit < size {
		size = rlimit
	}
	return size
}
