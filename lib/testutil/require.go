// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"strings"
	"time"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout, or fails the
// test. Concurrency tests use it instead of bare receives so a lost
// goroutine fails fast rather than hanging the suite.
//
//	addresses := testutil.RequireReceive(t, results, 5*time.Second, "worker %d", index)
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed without sending a value: %s", formatMessage(msgAndArgs))
		}
		return v
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v: %s", timeout, formatMessage(msgAndArgs))
	}
	panic("unreachable")
}

// RequireClosed waits for ch to be closed (or receive a value) within
// timeout, or fails the test. Use this for start barriers that signal
// by closing.
//
//	testutil.RequireClosed(t, done, 5*time.Second, "allocators finished")
func RequireClosed(t TB, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("timed out after %v waiting for channel close: %s", timeout, formatMessage(msgAndArgs))
	}
}

// RequirePanics calls f and fails the test unless it panics with a
// value whose string form contains substring. An empty substring
// accepts any panic.
//
//	testutil.RequirePanics(t, func() { s.SetLayout(layout) }, "already initialized")
func RequirePanics(t TB, f func(), substring string) {
	t.Helper()
	recovered, panicked := capturePanic(f)
	if !panicked {
		t.Fatalf("expected panic containing %q, got none", substring)
		return
	}
	message := fmt.Sprint(recovered)
	if !strings.Contains(message, substring) {
		t.Fatalf("panic %q does not contain %q", message, substring)
	}
}

func capturePanic(f func()) (recovered any, panicked bool) {
	defer func() {
		if value := recover(); value != nil {
			recovered, panicked = value, true
		}
	}()
	f()
	return nil, false
}

// formatMessage formats optional message arguments into a string.
// Accepts either a single string or a format string followed by args.
func formatMessage(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return "(no message)"
	}
	if len(msgAndArgs) == 1 {
		if s, ok := msgAndArgs[0].(string); ok {
			return s
		}
		return fmt.Sprintf("%v", msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%v", msgAndArgs)
}
