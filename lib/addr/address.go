// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package addr

import (
	"fmt"
	"math/bits"
	"unsafe"
)

// Address is a virtual memory address.
type Address uint64

// Null is the null address. No mapping ever starts at Null.
const Null Address = 0

// Add returns a+n. Panics if the result wraps around the address space.
func (a Address) Add(n uint64) Address {
	sum, carry := bits.Add64(uint64(a), n, 0)
	if carry != 0 {
		panic(fmt.Sprintf("addr: %v + %#x overflows", a, n))
	}
	return Address(sum)
}

// Sub returns a-n. Panics if the result would be below zero.
func (a Address) Sub(n uint64) Address {
	if uint64(a) < n {
		panic(fmt.Sprintf("addr: %v - %#x underflows", a, n))
	}
	return a - Address(n)
}

// Offset returns the distance from base to a. Panics if a is below base.
func (a Address) Offset(base Address) uint64 {
	if a < base {
		panic(fmt.Sprintf("addr: %v is below base %v", a, base))
	}
	return uint64(a - base)
}

// String formats the address as zero-padded hexadecimal.
func (a Address) String() string {
	return fmt.Sprintf("%#016x", uint64(a))
}

// Pointer reinterprets the address as an unsafe.Pointer. The caller is
// responsible for the address referring to memory that is mapped and
// not managed by the Go heap.
func (a Address) Pointer() unsafe.Pointer {
	return unsafe.Pointer(uintptr(a)) //nolint:govet address comes from an mmap reservation
}

// FromPointer returns the address p points to.
func FromPointer(p unsafe.Pointer) Address {
	return Address(uintptr(p))
}

// Bytes returns a byte slice over [a, a+size). The memory must be mapped
// for as long as the slice is used, and accessible if it is read.
func (a Address) Bytes(size uint64) []byte {
	return unsafe.Slice((*byte)(a.Pointer()), size)
}

// AddressOf returns the address of the value p points to. The Go
// garbage collector does not move heap objects, so the result stays
// valid for as long as the object is reachable.
func AddressOf[T any](p *T) Address {
	return Address(uintptr(unsafe.Pointer(p)))
}

// Load reads the Address stored at a. Used to follow the address-of
// accessors that generated code dereferences.
func Load(a Address) Address {
	return *(*Address)(a.Pointer())
}

// LoadUint64 reads the uint64 stored at a.
func LoadUint64(a Address) uint64 {
	return *(*uint64)(a.Pointer())
}

// IsPowerOfTwo reports whether n is a power of two. Zero is not.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

func checkAlignment(alignment uint64) {
	if !IsPowerOfTwo(alignment) {
		panic(fmt.Sprintf("addr: alignment %#x is not a power of two", alignment))
	}
}

// RoundDown rounds a down to a multiple of alignment.
func RoundDown(a Address, alignment uint64) Address {
	checkAlignment(alignment)
	return a &^ Address(alignment-1)
}

// RoundUp rounds a up to a multiple of alignment. Panics on overflow.
func RoundUp(a Address, alignment uint64) Address {
	checkAlignment(alignment)
	return RoundDown(a.Add(alignment-1), alignment)
}

// IsAligned reports whether a is a multiple of alignment.
func IsAligned(a Address, alignment uint64) bool {
	checkAlignment(alignment)
	return uint64(a)&(alignment-1) == 0
}

// RoundDownSize rounds a size down to a multiple of granularity, which
// need not be a power of two.
func RoundDownSize(size, granularity uint64) uint64 {
	if granularity == 0 {
		panic("addr: zero granularity")
	}
	return size - size%granularity
}

// IsMultiple reports whether size is a multiple of granularity.
func IsMultiple(size, granularity uint64) bool {
	if granularity == 0 {
		panic("addr: zero granularity")
	}
	return size%granularity == 0
}
