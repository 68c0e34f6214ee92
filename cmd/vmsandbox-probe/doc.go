// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// vmsandbox-probe creates the process-wide sandbox on this host and
// reports what it got: whether the reservation is full or partial, the
// geometry, and the host's virtual memory limits. It then optionally
// allocates, writes, and frees a few pages through the sandbox page
// allocator to prove the reservation is usable.
//
// Usage:
//
//	vmsandbox-probe [--config FILE] [--format text|cbor|diag] [--allocate N] [--require-full]
//
// The configuration comes from --config or VMSANDBOX_CONFIG. Without
// either, the built-in defaults apply (a 1 TiB sandbox with 32 GiB
// guard regions). Flags override the file.
//
// Exit status is 0 on success, 1 when no sandbox could be reserved or
// the probe itself failed, and 2 when only a partial reservation was
// possible but a full one is required (--require-full, or
// require_full_reservation in the production environment).
//
// Logs go to stderr: text on a terminal, JSON otherwise. Set
// VMSANDBOX_DEBUG to include the reservation fallback steps.
package main
