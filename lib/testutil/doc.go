// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for vmsandbox packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that concurrency
// tests do not need direct time.After calls. These are the only place
// in the test suite where real wall-clock timeouts are used.
//
// [RequirePanics] asserts that a precondition violation panics with a
// recognisable message. The sandbox and address space packages treat
// misuse (double initialization, freeing with the wrong size) as a
// programming error and panic instead of returning an error.
//
// [WriteFile] creates fixture files for configuration and host limit
// parsing tests.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no vmsandbox-internal dependencies.
package testutil
