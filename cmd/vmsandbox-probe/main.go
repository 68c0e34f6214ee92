// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !nosandbox

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/vmsandbox/lib/config"
	"github.com/bureau-foundation/vmsandbox/lib/process"
	"github.com/bureau-foundation/vmsandbox/lib/vas"
	"github.com/bureau-foundation/vmsandbox/lib/version"
	"github.com/bureau-foundation/vmsandbox/sandbox"
)

// exitPartialReservation is the exit status when the sandbox is usable
// but only partially reserved and the configuration demands a full
// reservation.
const exitPartialReservation = 2

// environment holds what run needs from the outside world. Tests swap
// in a simulated address space.
type environment struct {
	stdout io.Writer
	stderr io.Writer

	newAddressSpace func() (vas.AddressSpace, error)

	// touchPages writes to allocated pages. Only real address spaces
	// have memory behind them.
	touchPages bool

	// terminal selects the text log handler.
	terminal bool
}

func main() {
	env := environment{
		stdout:          os.Stdout,
		stderr:          os.Stderr,
		newAddressSpace: vas.NewOS,
		touchPages:      true,
		terminal:        term.IsTerminal(int(os.Stderr.Fd())),
	}
	if err := run(os.Args[1:], env); err != nil {
		process.Fatal(err)
	}
}

func run(args []string, env environment) error {
	var (
		configPath  string
		format      string
		allocate    int
		requireFull bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("vmsandbox-probe", pflag.ContinueOnError)
	flagSet.SetOutput(env.stderr)
	flagSet.StringVar(&configPath, "config", "", "path to vmsandbox.yaml (default: $"+config.ConfigEnvironmentVariable+")")
	flagSet.StringVar(&format, "format", config.FormatText, "report format: text, cbor, or diag")
	flagSet.IntVar(&allocate, "allocate", 0, "pages to allocate, write, and free through the sandbox (0 disables)")
	flagSet.BoolVar(&requireFull, "require-full", false, "exit with status 2 if the sandbox is only partially reserved")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	if showVersion {
		fmt.Fprintf(env.stdout, "vmsandbox-probe %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Flags override the file only when given explicitly.
	if flagSet.Changed("format") {
		cfg.Probe.Format = format
	}
	if flagSet.Changed("allocate") {
		cfg.Probe.AllocatePages = allocate
	}
	if flagSet.Changed("require-full") {
		cfg.Sandbox.RequireFullReservation = requireFull
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(env.stderr, env.terminal, os.Getenv("VMSANDBOX_DEBUG") != "")
	logger.Debug("configuration loaded",
		"environment", cfg.Environment,
		"size", cfg.Sandbox.Size.String(),
		"require_full_reservation", cfg.Sandbox.RequireFullReservation,
	)

	return probe(cfg, env, logger)
}

// loadConfig reads the explicit path, then VMSANDBOX_CONFIG. With
// neither, the probe runs on the defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv(config.ConfigEnvironmentVariable) != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// newLogger returns a text logger for terminals and a JSON logger for
// everything else.
func newLogger(w io.Writer, terminal, debug bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		options.Level = slog.LevelDebug
	}
	if terminal {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}

// layoutFromConfig converts the configured sizes.
func layoutFromConfig(cfg *config.Config) sandbox.Layout {
	return sandbox.Layout{
		Size:                   cfg.Sandbox.Size.Bytes(),
		GuardRegionSize:        cfg.Sandbox.GuardRegionSize.Bytes(),
		Alignment:              cfg.Sandbox.Alignment.Bytes(),
		MinimumReservationSize: cfg.Sandbox.MinimumReservationSize.Bytes(),
	}
}

// probe creates and initializes the process sandbox, exercises it,
// writes the report, and destroys the sandbox again.
func probe(cfg *config.Config, env environment, logger *slog.Logger) (err error) {
	space, err := env.newAddressSpace()
	if err != nil {
		return fmt.Errorf("opening address space: %w", err)
	}

	layout := layoutFromConfig(cfg)
	if err := layout.Validate(space.AllocationGranularity()); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	box := sandbox.CreateProcessWide()
	defer func() {
		if destroyErr := sandbox.DestroyProcessWide(); destroyErr != nil && err == nil {
			err = destroyErr
		}
	}()
	box.SetLayout(layout)
	box.SetLogger(logger)
	box.SetMetrics(sandbox.NewMetrics(registry))

	if err := box.Initialize(space); err != nil {
		return err
	}

	var check *allocationCheck
	if cfg.Probe.AllocatePages > 0 {
		check, err = checkAllocation(box, cfg.Probe.AllocatePages, env.touchPages, logger)
		if err != nil {
			return err
		}
	}

	result, err := newReport(box, cfg, check)
	if err != nil {
		return err
	}
	if err := result.write(env.stdout, cfg.Probe.Format, registry, cfg.Probe.Metrics); err != nil {
		return err
	}

	if box.IsPartiallyReserved() && cfg.Sandbox.RequireFullReservation {
		return &process.ExitError{
			Code: exitPartialReservation,
			Err: fmt.Errorf("sandbox is only partially reserved (%s of %s) but a full reservation is required",
				humanize.IBytes(box.ReservationSize()), humanize.IBytes(box.Size())),
		}
	}
	return nil
}
