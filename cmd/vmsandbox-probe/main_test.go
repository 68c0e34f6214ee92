// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !nosandbox

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
	"github.com/bureau-foundation/vmsandbox/lib/codec"
	"github.com/bureau-foundation/vmsandbox/lib/config"
	"github.com/bureau-foundation/vmsandbox/lib/process"
	"github.com/bureau-foundation/vmsandbox/lib/testutil"
	"github.com/bureau-foundation/vmsandbox/lib/vas"
	"github.com/bureau-foundation/vmsandbox/sandbox"
)

const (
	mib         = 1 << 20
	granularity = 64 << 10
)

const smallConfig = `
sandbox:
  size: 64 MiB
  guard_region_size: 4 MiB
  alignment: 4 MiB
  minimum_reservation_size: 4 MiB
probe:
  allocate_pages: 2
  metrics: true
`

// probeHarness runs the probe against a simulated address space and
// captures its output.
type probeHarness struct {
	space  *vas.Simulated
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newHarness(t *testing.T, configure func(*vas.SimulatedConfig)) *probeHarness {
	t.Helper()
	t.Setenv(config.ConfigEnvironmentVariable, "")
	t.Setenv("VMSANDBOX_DEBUG", "")
	simulated := vas.SimulatedConfig{
		Base:                  addr.Address(1 << 40),
		Size:                  1 << 30,
		PageSize:              4096,
		AllocationGranularity: granularity,
		Seed:                  7,
	}
	if configure != nil {
		configure(&simulated)
	}
	return &probeHarness{space: vas.NewSimulated(simulated)}
}

func (h *probeHarness) run(t *testing.T, args ...string) error {
	t.Helper()
	err := run(args, environment{
		stdout:          &h.stdout,
		stderr:          &h.stderr,
		newAddressSpace: func() (vas.AddressSpace, error) { return h.space, nil },
	})
	// Every run must leave the process without a sandbox.
	testutil.RequirePanics(t, func() { sandbox.ProcessWide() }, "before creation or after destruction")
	return err
}

func (h *probeHarness) decode(t *testing.T) report {
	t.Helper()
	var decoded report
	if err := codec.Unmarshal(h.stdout.Bytes(), &decoded); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	return decoded
}

func TestTextReport(t *testing.T) {
	h := newHarness(t, nil)
	configPath := testutil.WriteFile(t, "vmsandbox.yaml", smallConfig)

	if err := h.run(t, "--config", configPath); err != nil {
		t.Fatalf("run: %v\nstderr:\n%s", err, h.stderr.String())
	}

	output := h.stdout.String()
	for _, want := range []string{
		"full reservation",
		"64 MiB",
		"guard regions:  4.0 MiB each side",
		"fingerprint:",
		"2 x 64 KiB at",
		"allocated and freed",
		"vmsandbox_size_bytes 6.7108864e+07",
		`vmsandbox_initializations_total{outcome="full"} 1`,
		"vmsandbox_page_allocations_total 1",
		"vmsandbox_page_frees_total 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("report missing %q:\n%s", want, output)
		}
	}
	if h.space.AllocatedBytes() != 0 {
		t.Errorf("address space still holds %d bytes after the probe", h.space.AllocatedBytes())
	}
}

func TestCBORReport(t *testing.T) {
	h := newHarness(t, nil)
	configPath := testutil.WriteFile(t, "vmsandbox.yaml", smallConfig)

	if err := h.run(t, "--config", configPath, "--format", "cbor", "--allocate", "3"); err != nil {
		t.Fatalf("run: %v", err)
	}

	decoded := h.decode(t)
	if decoded.Sandbox.Size != 64*mib {
		t.Errorf("Size = %#x, want %#x", decoded.Sandbox.Size, 64*mib)
	}
	if decoded.Sandbox.ReservationSize != 72*mib {
		t.Errorf("ReservationSize = %#x, want %#x", decoded.Sandbox.ReservationSize, 72*mib)
	}
	if decoded.Sandbox.PartiallyReserved {
		t.Error("expected a full reservation")
	}
	if decoded.Sandbox.EmptyBackingStoreBuffer != decoded.Sandbox.End.Sub(1) {
		t.Errorf("EmptyBackingStoreBuffer = %v, want %v", decoded.Sandbox.EmptyBackingStoreBuffer, decoded.Sandbox.End.Sub(1))
	}

	fingerprint, err := decoded.Sandbox.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if decoded.Fingerprint != fingerprint {
		t.Errorf("Fingerprint = %s, recomputed %s", decoded.Fingerprint, fingerprint)
	}

	if decoded.Allocation == nil {
		t.Fatal("expected an allocation check")
	}
	if decoded.Allocation.Pages != 3 || decoded.Allocation.PageSize != granularity {
		t.Errorf("Allocation = %+v, want 3 pages of %#x", *decoded.Allocation, granularity)
	}
	if decoded.Allocation.AllocatedBytes != 3*granularity {
		t.Errorf("AllocatedBytes = %#x, want %#x", decoded.Allocation.AllocatedBytes, 3*granularity)
	}
	if decoded.Allocation.Touched {
		t.Error("simulated pages must not be touched")
	}
	r := addr.RangeOf(decoded.Sandbox.Base, decoded.Sandbox.Size)
	if !r.Contains(decoded.Allocation.Address) {
		t.Errorf("allocation at %v is outside the sandbox %v", decoded.Allocation.Address, r)
	}
}

func TestDiagReport(t *testing.T) {
	h := newHarness(t, nil)
	configPath := testutil.WriteFile(t, "vmsandbox.yaml", smallConfig)

	if err := h.run(t, "--config", configPath, "--format", "diag", "--allocate", "0"); err != nil {
		t.Fatalf("run: %v", err)
	}

	output := h.stdout.String()
	if !strings.Contains(output, `"fingerprint":`) {
		t.Errorf("diagnostic output missing fingerprint:\n%s", output)
	}
	if strings.Contains(output, `"allocation":`) {
		t.Errorf("allocation check should be omitted with --allocate 0:\n%s", output)
	}
}

func TestPartialReservationAllowed(t *testing.T) {
	h := newHarness(t, func(c *vas.SimulatedConfig) { c.DisableSubspaces = true })
	configPath := testutil.WriteFile(t, "vmsandbox.yaml", smallConfig)

	if err := h.run(t, "--config", configPath, "--format", "cbor"); err != nil {
		t.Fatalf("run: %v", err)
	}

	decoded := h.decode(t)
	if !decoded.Sandbox.PartiallyReserved {
		t.Error("expected a partial reservation without subspace support")
	}
	if decoded.Sandbox.ReservationSize != 4*mib {
		t.Errorf("ReservationSize = %#x, want the 4 MiB minimum", decoded.Sandbox.ReservationSize)
	}
}

func TestRequireFullRejectsPartialReservation(t *testing.T) {
	h := newHarness(t, func(c *vas.SimulatedConfig) { c.DisableSubspaces = true })
	configPath := testutil.WriteFile(t, "vmsandbox.yaml", smallConfig)

	err := h.run(t, "--config", configPath, "--require-full")
	if err == nil {
		t.Fatal("expected an error for a partial reservation with --require-full")
	}
	var exitErr *process.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitPartialReservation {
		t.Fatalf("error = %v, want an ExitError with code %d", err, exitPartialReservation)
	}
	if !strings.Contains(err.Error(), "only partially reserved (4.0 MiB of 64 MiB)") {
		t.Errorf("error = %q", err.Error())
	}
	// The report is still written so the operator can see what happened.
	if !strings.Contains(h.stdout.String(), "PARTIAL reservation") {
		t.Errorf("report missing partial marker:\n%s", h.stdout.String())
	}
}

func TestProductionRequiresFullReservation(t *testing.T) {
	h := newHarness(t, func(c *vas.SimulatedConfig) { c.DisableSubspaces = true })
	configPath := testutil.WriteFile(t, "vmsandbox.yaml", "environment: production\n"+smallConfig)

	err := h.run(t, "--config", configPath)
	var exitErr *process.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != exitPartialReservation {
		t.Fatalf("error = %v, want an ExitError with code %d", err, exitPartialReservation)
	}

	// The flag overrides the production default.
	h = newHarness(t, func(c *vas.SimulatedConfig) { c.DisableSubspaces = true })
	if err := h.run(t, "--config", configPath, "--require-full=false"); err != nil {
		t.Errorf("run with --require-full=false: %v", err)
	}
}

func TestReservationFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.space.SetFailAll(true)
	configPath := testutil.WriteFile(t, "vmsandbox.yaml", smallConfig)

	err := h.run(t, "--config", configPath)
	if !errors.Is(err, sandbox.ErrReservationFailed) {
		t.Fatalf("error = %v, want ErrReservationFailed", err)
	}
	if h.stdout.Len() != 0 {
		t.Errorf("no report expected on failure, got:\n%s", h.stdout.String())
	}
}

func TestLayoutRejectedByGranularity(t *testing.T) {
	h := newHarness(t, nil)
	configPath := testutil.WriteFile(t, "vmsandbox.yaml", `
sandbox:
  size: 64 MiB
  guard_region_size: 4 KiB
  alignment: 4 KiB
  minimum_reservation_size: 4 MiB
`)

	err := h.run(t, "--config", configPath)
	if err == nil || !strings.Contains(err.Error(), "below the allocation granularity") {
		t.Fatalf("error = %v, want a granularity error", err)
	}
}

func TestConfigFromEnvironment(t *testing.T) {
	h := newHarness(t, nil)
	configPath := testutil.WriteFile(t, "vmsandbox.yaml", smallConfig+"  format: cbor\n")
	t.Setenv(config.ConfigEnvironmentVariable, configPath)

	if err := h.run(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if decoded := h.decode(t); decoded.Sandbox.Size != 64*mib {
		t.Errorf("Size = %#x, want the size from $%s", decoded.Sandbox.Size, config.ConfigEnvironmentVariable)
	}
}

func TestInvalidFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown format", []string{"--format", "json"}, "probe.format must be one of"},
		{"negative allocation", []string{"--allocate", "-1"}, "must not be negative"},
		{"unexpected argument", []string{"extra"}, "unexpected argument: extra"},
		{"unknown flag", []string{"--bogus"}, "unknown flag"},
		{"missing config file", []string{"--config", "/nonexistent/vmsandbox.yaml"}, "no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			err := h.run(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want one containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.run(t, "--version"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(h.stdout.String(), "vmsandbox-probe ") {
		t.Errorf("version output = %q", h.stdout.String())
	}
}

func TestHelp(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.run(t, "--help"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(h.stderr.String(), "--require-full") {
		t.Errorf("usage missing flags:\n%s", h.stderr.String())
	}
}

func TestNewLogger(t *testing.T) {
	var buffer bytes.Buffer
	newLogger(&buffer, false, false).Info("sandbox initialized", "size", 4096)

	var record map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &record); err != nil {
		t.Fatalf("non-terminal logger should write JSON: %v\n%s", err, buffer.String())
	}
	if record["msg"] != "sandbox initialized" {
		t.Errorf("msg = %v", record["msg"])
	}

	buffer.Reset()
	newLogger(&buffer, true, false).Debug("hidden")
	if buffer.Len() != 0 {
		t.Errorf("debug record written at info level: %s", buffer.String())
	}

	buffer.Reset()
	newLogger(&buffer, true, true).Debug("shown")
	if !strings.Contains(buffer.String(), "level=DEBUG msg=shown") {
		t.Errorf("text logger output = %q", buffer.String())
	}
}

func TestDebugLogsFallback(t *testing.T) {
	h := newHarness(t, func(c *vas.SimulatedConfig) { c.MaxAllocationSize = 16 * mib })
	t.Setenv("VMSANDBOX_DEBUG", "1")
	configPath := testutil.WriteFile(t, "vmsandbox.yaml", smallConfig)

	if err := h.run(t, "--config", configPath, "--allocate", "0"); err != nil {
		t.Fatalf("run: %v", err)
	}
	logs := h.stderr.String()
	for _, want := range []string{
		"full sandbox reservation failed",
		"trying partial sandbox reservation",
		"sandbox is partially reserved",
	} {
		if !strings.Contains(logs, want) {
			t.Errorf("logs missing %q:\n%s", want, logs)
		}
	}
}
