// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !nosandbox

package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/bureau-foundation/vmsandbox/lib/addr"
	"github.com/bureau-foundation/vmsandbox/lib/codec"
	"github.com/bureau-foundation/vmsandbox/lib/config"
	"github.com/bureau-foundation/vmsandbox/lib/vas"
	"github.com/bureau-foundation/vmsandbox/lib/version"
	"github.com/bureau-foundation/vmsandbox/sandbox"
)

// report is everything the probe learned. The CBOR form is stable:
// fields are only ever added.
type report struct {
	Build       version.Build    `cbor:"build"`
	Environment string           `cbor:"environment"`
	Host        hostLimits       `cbor:"host"`
	Sandbox     sandbox.Snapshot `cbor:"sandbox"`
	Fingerprint string           `cbor:"fingerprint"`

	RequireFullReservation bool `cbor:"require_full_reservation"`

	Allocation *allocationCheck `cbor:"allocation,omitempty"`
}

type hostLimits struct {
	VirtualAddressBits   int    `cbor:"virtual_address_bits"`
	UserAddressSpaceSize uint64 `cbor:"user_address_space_size"`
	AddressSpaceLimit    uint64 `cbor:"address_space_limit"`
	PageSize             uint64 `cbor:"page_size"`
	Overcommit           string `cbor:"overcommit"`
}

// allocationCheck records the page allocator round trip.
type allocationCheck struct {
	Pages          uint64       `cbor:"pages"`
	PageSize       uint64       `cbor:"page_size"`
	Address        addr.Address `cbor:"address"`
	AllocatedBytes uint64       `cbor:"allocated_bytes"`
	Touched        bool         `cbor:"touched"`
}

// checkAllocation allocates pages at the sandbox base, optionally
// writes and reads back one byte per page, and frees them.
func checkAllocation(box *sandbox.Sandbox, pages int, touch bool, logger *slog.Logger) (*allocationCheck, error) {
	allocator, err := box.PageAllocator()
	if err != nil {
		return nil, err
	}

	pageSize := allocator.AllocatePageSize()
	size := uint64(pages) * pageSize
	address, err := allocator.AllocatePages(box.Base(), size, 0, vas.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("allocation check: %w", err)
	}

	check := &allocationCheck{
		Pages:          uint64(pages),
		PageSize:       pageSize,
		Address:        address,
		AllocatedBytes: allocator.AllocatedBytes(),
	}

	var checkErr error
	if !box.ContainsRange(address, size) {
		checkErr = fmt.Errorf("allocation check: %s at %v is outside the sandbox %v",
			humanize.IBytes(size), address, box.Range())
	} else if touch {
		checkErr = touchPages(address, size, pageSize)
		check.Touched = checkErr == nil
	}

	if err := allocator.FreePages(address, size); err != nil && checkErr == nil {
		checkErr = fmt.Errorf("allocation check: %w", err)
	}
	if checkErr != nil {
		return nil, checkErr
	}

	logger.Debug("allocation check passed",
		"pages", pages,
		"address", address.String(),
		"touched", check.Touched,
	)
	return check, nil
}

// touchPages writes a distinct byte to the start of every page and
// reads them all back.
func touchPages(address addr.Address, size, pageSize uint64) error {
	memory := address.Bytes(size)
	for offset := uint64(0); offset < size; offset += pageSize {
		memory[offset] = byte(offset/pageSize) ^ 0x5a
	}
	for offset := uint64(0); offset < size; offset += pageSize {
		if want := byte(offset/pageSize) ^ 0x5a; memory[offset] != want {
			return fmt.Errorf("allocation check: page at %v reads %#x, wrote %#x",
				address.Add(offset), memory[offset], want)
		}
	}
	return nil
}

func newReport(box *sandbox.Sandbox, cfg *config.Config, check *allocationCheck) (*report, error) {
	snapshot := box.Snapshot()
	fingerprint, err := snapshot.Fingerprint()
	if err != nil {
		return nil, err
	}
	limits := vas.DetectLimits()
	return &report{
		Build:       version.Current(),
		Environment: string(cfg.Environment),
		Host: hostLimits{
			VirtualAddressBits:   limits.VirtualAddressBits,
			UserAddressSpaceSize: limits.UserAddressSpaceSize,
			AddressSpaceLimit:    limits.AddressSpaceLimit,
			PageSize:             limits.PageSize,
			Overcommit:           limits.Overcommit,
		},
		Sandbox:                snapshot,
		Fingerprint:            fingerprint,
		RequireFullReservation: cfg.Sandbox.RequireFullReservation,
		Allocation:             check,
	}, nil
}

// write renders the report. Metrics are only part of the text format;
// the binary formats carry the same numbers in the snapshot.
func (r *report) write(w io.Writer, format string, gatherer prometheus.Gatherer, includeMetrics bool) error {
	switch format {
	case config.FormatCBOR:
		data, err := codec.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		_, err = w.Write(data)
		return err
	case config.FormatDiag:
		data, err := codec.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		diagnostic, err := codec.Diagnose(data)
		if err != nil {
			return fmt.Errorf("formatting report: %w", err)
		}
		_, err = fmt.Fprintln(w, diagnostic)
		return err
	case config.FormatText:
		var buffer bytes.Buffer
		r.writeText(&buffer)
		if includeMetrics {
			if err := writeMetrics(&buffer, gatherer); err != nil {
				return err
			}
		}
		_, err := w.Write(buffer.Bytes())
		return err
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func (r *report) writeText(w io.Writer) {
	geometry := r.Sandbox
	kind := "full reservation"
	guards := "none"
	if geometry.PartiallyReserved {
		kind = "PARTIAL reservation, memory past the reservation is not exclusively owned"
	} else if geometry.ReservationSize > geometry.Size {
		guards = humanize.IBytes((geometry.ReservationSize-geometry.Size)/2) + " each side"
	}

	line := func(label, format string, args ...any) {
		fmt.Fprintf(w, "%-15s "+format+"\n", append([]any{label + ":"}, args...)...)
	}
	line("sandbox", "%s", kind)
	line("base", "%v", geometry.Base)
	line("end", "%v", geometry.End)
	line("size", "%s", humanize.IBytes(geometry.Size))
	line("reservation", "%v (%s)", geometry.ReservationBase, humanize.IBytes(geometry.ReservationSize))
	line("guard regions", "%s", guards)
	line("empty buffer", "%v", geometry.EmptyBackingStoreBuffer)
	line("fingerprint", "%s", r.Fingerprint)
	line("host", "%d-bit virtual addresses, %s user space, %s pages",
		r.Host.VirtualAddressBits, humanize.IBytes(r.Host.UserAddressSpaceSize), humanize.IBytes(r.Host.PageSize))
	if r.Host.AddressSpaceLimit != 0 {
		line("rlimit as", "%s", humanize.IBytes(r.Host.AddressSpaceLimit))
	}
	if r.Host.Overcommit != "" {
		line("overcommit", "%s", r.Host.Overcommit)
	}
	if r.Allocation != nil {
		verb := "allocated and freed"
		if r.Allocation.Touched {
			verb = "written and freed"
		}
		line("allocation", "%d x %s at %v %s",
			r.Allocation.Pages, humanize.IBytes(r.Allocation.PageSize), r.Allocation.Address, verb)
	}
	line("environment", "%s", r.Environment)
	line("build", "%s (%s, %s)", r.Build.Version, r.Build.Commit, r.Build.Platform)
}

// writeMetrics appends the gathered metrics in the Prometheus text
// exposition format.
func writeMetrics(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	fmt.Fprintln(w)
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return fmt.Errorf("writing metric %s: %w", family.GetName(), err)
		}
	}
	return nil
}
