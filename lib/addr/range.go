// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package addr

import "fmt"

// Range is the half-open address interval [Start, End).
type Range struct {
	Start Address
	End   Address
}

// RangeOf returns the range of size bytes beginning at base. Panics if
// the range would wrap around the address space.
func RangeOf(base Address, size uint64) Range {
	return Range{Start: base, End: base.Add(size)}
}

// WellFormed reports whether Start <= End.
func (r Range) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the number of bytes in the range.
func (r Range) Length() uint64 {
	return uint64(r.End - r.Start)
}

// IsEmpty reports whether the range contains no addresses.
func (r Range) IsEmpty() bool {
	return r.Length() == 0
}

// Contains reports whether a lies inside the range.
func (r Range) Contains(a Address) bool {
	return a >= r.Start && a < r.End
}

// ContainsRange reports whether o lies entirely inside r. An empty o is
// contained if its start lies within [r.Start, r.End].
func (r Range) ContainsRange(o Range) bool {
	return o.Start >= r.Start && o.End <= r.End && o.WellFormed()
}

// Overlaps reports whether the two ranges share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End && !r.IsEmpty() && !o.IsEmpty()
}

// Intersect returns the overlapping part of two ranges. The result is
// empty (Start == End) if they do not overlap.
func (r Range) Intersect(o Range) Range {
	start := max(r.Start, o.Start)
	end := min(r.End, o.End)
	if end < start {
		return Range{Start: start, End: start}
	}
	return Range{Start: start, End: end}
}

func (r Range) String() string {
	return fmt.Sprintf("[%v, %v)", r.Start, r.End)
}
