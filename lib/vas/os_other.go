// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !darwin

package vas

import "fmt"

// DetectLimits returns defaults on platforms without an OS space.
func DetectLimits() Limits {
	return Limits{
		VirtualAddressBits:   defaultVirtualAddressBits,
		UserAddressSpaceSize: userSpaceSize(defaultVirtualAddressBits, 0),
		PageSize:             4096,
	}
}

// NewOS is not available on this platform.
func NewOS() (AddressSpace, error) {
	return nil, fmt.Errorf("%w: no OS address space on this platform", ErrNotSupported)
}
