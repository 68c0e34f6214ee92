// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package vas

import (
	"bufio"
	"os"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// cpuinfoPath and overcommitPath are variables so tests can point them
// at fixtures.
var (
	cpuinfoPath    = "/proc/cpuinfo"
	overcommitPath = "/proc/sys/vm/overcommit_memory"
)

// addressSizesPattern matches "address sizes : 46 bits physical, 48 bits virtual".
var addressSizesPattern = regexp.MustCompile(`address sizes\s*:.*?(\d+) bits virtual`)

// DetectLimits reads the virtual address width from /proc/cpuinfo and
// RLIMIT_AS from the kernel. Unreadable sources fall back to defaults.
func DetectLimits() Limits {
	limits := Limits{
		VirtualAddressBits: virtualAddressBits(),
		PageSize:           uint64(unix.Getpagesize()),
		Overcommit:         overcommitPolicy(),
	}

	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &rlimit); err == nil && rlimit.Cur != unix.RLIM_INFINITY {
		limits.AddressSpaceLimit = rlimit.Cur
	}
	limits.UserAddressSpaceSize = userSpaceSize(limits.VirtualAddressBits, limits.AddressSpaceLimit)
	return limits
}

func virtualAddressBits() int {
	file, err := os.Open(cpuinfoPath)
	if err != nil {
		return defaultVirtualAddressBits
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		match := addressSizesPattern.FindStringSubmatch(scanner.Text())
		if match == nil {
			continue
		}
		if bits, err := strconv.Atoi(match[1]); err == nil {
			return bits
		}
	}
	return defaultVirtualAddressBits
}

func overcommitPolicy() string {
	data, err := os.ReadFile(overcommitPath)
	if err != nil {
		return ""
	}
	switch strings.TrimSpace(string(data)) {
	case "0":
		return "heuristic"
	case "1":
		return "always"
	case "2":
		return "never"
	default:
		return strings.TrimSpace(string(data))
	}
}
