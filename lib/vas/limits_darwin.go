// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin

package vas

import "golang.org/x/sys/unix"

// DetectLimits reports the darwin defaults: 48-bit virtual addresses
// and RLIMIT_AS from the kernel.
func DetectLimits() Limits {
	limits := Limits{
		VirtualAddressBits: defaultVirtualAddressBits,
		PageSize:           uint64(unix.Getpagesize()),
	}
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &rlimit); err == nil && rlimit.Cur != unix.RLIM_INFINITY {
		limits.AddressSpaceLimit = rlimit.Cur
	}
	limits.UserAddressSpaceSize = userSpaceSize(limits.VirtualAddressBits, limits.AddressSpaceLimit)
	return limits
}
