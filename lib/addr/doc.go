// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package addr holds the virtual address arithmetic used by the rest of
// vmsandbox.
//
// [Address] is a raw virtual address stored as a uint64 so that sizes
// such as 1 TiB stay representable on 32-bit hosts. [Range] is a
// half-open interval [Start, End) with the containment, overlap, and
// intersection checks the sandbox needs for bounds validation.
// Alignment helpers ([RoundDown], [RoundUp], [IsAligned]) require a
// power-of-two alignment and panic otherwise.
//
// Conversions between addresses and Go pointers ([Address.Pointer],
// [AddressOf]) live here and nowhere else, so every use of unsafe for
// address reinterpretation can be audited in one file.
//
// This package has no vmsandbox-internal dependencies.
package addr
