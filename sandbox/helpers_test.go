// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox_test

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
	"github.com/bureau-foundation/vmsandbox/lib/vas"
	"github.com/bureau-foundation/vmsandbox/sandbox"
)

const (
	// pageSize and granularity describe the simulated space. The
	// granularity is larger than the page size, as on Windows, so
	// tests notice when the two are confused.
	pageSize    = 4 << 10
	granularity = 64 << 10

	simulatedBase = addr.Address(1 << 40)
	simulatedSize = 1 << 30
)

// testLayout is a sandbox of four granularity units with guard regions
// as large as the alignment.
func testLayout() sandbox.Layout {
	return sandbox.Layout{
		Size:                   4 * granularity,
		GuardRegionSize:        4 * granularity,
		Alignment:              4 * granularity,
		MinimumReservationSize: granularity,
	}
}

func newSimulated(t *testing.T, configure func(*vas.SimulatedConfig)) *vas.Simulated {
	t.Helper()
	config := vas.SimulatedConfig{
		Base:                  simulatedBase,
		Size:                  simulatedSize,
		PageSize:              pageSize,
		AllocationGranularity: granularity,
		Seed:                  42,
	}
	if configure != nil {
		configure(&config)
	}
	return vas.NewSimulated(config)
}

// newSandbox returns an uninitialized sandbox with the test layout that
// is torn down when the test ends.
func newSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()
	s := new(sandbox.Sandbox)
	s.SetLayout(testLayout())
	s.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		if err := s.TearDown(); err != nil {
			t.Errorf("TearDown: %v", err)
		}
	})
	return s
}

// captureLogs points the sandbox logger at a buffer and returns it.
func captureLogs(s *sandbox.Sandbox) *bytes.Buffer {
	var buffer bytes.Buffer
	s.SetLogger(slog.New(slog.NewJSONHandler(&buffer, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return &buffer
}

func requireLogged(t *testing.T, logs *bytes.Buffer, level, message string) {
	t.Helper()
	for _, line := range strings.Split(logs.String(), "\n") {
		if strings.Contains(line, `"level":"`+level+`"`) && strings.Contains(line, message) {
			return
		}
	}
	t.Fatalf("no %s log containing %q in:\n%s", level, message, logs.String())
}

// checkGeometry verifies the invariants that hold for every
// initialized sandbox.
func checkGeometry(t *testing.T, s *sandbox.Sandbox) {
	t.Helper()
	if !s.IsInitialized() {
		t.Fatal("sandbox is not initialized")
	}
	if s.End() != s.Base().Add(s.Size()) {
		t.Errorf("End = %v, want Base+Size = %v", s.End(), s.Base().Add(s.Size()))
	}
	if s.ReservationBase() > s.Base() {
		t.Errorf("ReservationBase %v is above Base %v", s.ReservationBase(), s.Base())
	}
	if got, want := s.IsPartiallyReserved(), s.ReservationSize() < s.Size(); got != want {
		t.Errorf("IsPartiallyReserved = %v, want %v", got, want)
	}
	if !s.IsPartiallyReserved() && s.End() > s.ReservationBase().Add(s.ReservationSize()) {
		t.Errorf("sandbox end %v is past the reservation end %v", s.End(), s.ReservationBase().Add(s.ReservationSize()))
	}
	if s.Size()%s.AddressSpace().AllocationGranularity() != 0 {
		t.Errorf("Size %#x is not a multiple of the granularity", s.Size())
	}
}
