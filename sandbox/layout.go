// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
)

const (
	gib = uint64(1) << 30
	tib = uint64(1) << 40
)

// Layout holds the sizes that shape a sandbox reservation. The runtime
// using the sandbox decides them; the sandbox only checks that they are
// consistent with each other and with the address space.
type Layout struct {
	// Size is the size of the addressable sandbox region.
	Size uint64 `cbor:"size"`

	// GuardRegionSize is the size of each of the two inaccessible
	// regions flanking the sandbox in a full reservation. Zero disables
	// guard regions.
	GuardRegionSize uint64 `cbor:"guard_region_size"`

	// Alignment is the alignment of the sandbox base. Must be a power
	// of two.
	Alignment uint64 `cbor:"alignment"`

	// MinimumReservationSize is the smallest backing reservation the
	// partial-reservation fallback will try.
	MinimumReservationSize uint64 `cbor:"minimum_reservation_size"`
}

// DefaultLayout returns the layout used on 64-bit hosts: a 1 TiB
// sandbox, 32 GiB guard regions, 4 GiB alignment, and an 8 GiB floor
// for partial reservations.
func DefaultLayout() Layout {
	return Layout{
		Size:                   1 * tib,
		GuardRegionSize:        32 * gib,
		Alignment:              4 * gib,
		MinimumReservationSize: 8 * gib,
	}
}

// IsZero reports whether no field is set.
func (l Layout) IsZero() bool {
	return l == Layout{}
}

// Validate checks the layout against an allocation granularity and
// reports every problem found.
func (l Layout) Validate(granularity uint64) error {
	var errs []error
	if l.Size == 0 {
		errs = append(errs, errors.New("size must be positive"))
	}
	if !addr.IsPowerOfTwo(l.Alignment) {
		errs = append(errs, fmt.Errorf("alignment %#x is not a power of two", l.Alignment))
	} else if l.Alignment < granularity {
		errs = append(errs, fmt.Errorf("alignment %#x is below the allocation granularity %#x", l.Alignment, granularity))
	}
	if granularity != 0 {
		for _, field := range []struct {
			name  string
			value uint64
		}{
			{"size", l.Size},
			{"guard region size", l.GuardRegionSize},
			{"minimum reservation size", l.MinimumReservationSize},
		} {
			if field.value%granularity != 0 {
				errs = append(errs, fmt.Errorf("%s %#x is not a multiple of the allocation granularity %#x",
					field.name, field.value, granularity))
			}
		}
	}
	if addr.IsPowerOfTwo(l.Alignment) && l.GuardRegionSize%l.Alignment != 0 {
		errs = append(errs, fmt.Errorf("guard region size %#x is not a multiple of the alignment %#x",
			l.GuardRegionSize, l.Alignment))
	}
	if l.MinimumReservationSize == 0 {
		errs = append(errs, errors.New("minimum reservation size must be positive"))
	} else if l.MinimumReservationSize >= l.Size {
		errs = append(errs, fmt.Errorf("minimum reservation size %#x must be below the sandbox size %#x",
			l.MinimumReservationSize, l.Size))
	}
	if len(errs) > 0 {
		return fmt.Errorf("sandbox layout: %w", errors.Join(errs...))
	}
	return nil
}
