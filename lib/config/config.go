// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ConfigEnvironmentVariable names the variable Load reads the config
// path from.
const ConfigEnvironmentVariable = "VMSANDBOX_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Output formats for the probe report.
const (
	FormatText = "text"
	FormatCBOR = "cbor"
	FormatDiag = "diag"
)

// Formats lists the valid probe output formats.
var Formats = []string{FormatText, FormatCBOR, FormatDiag}

// Config is the configuration of the sandbox probe.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Sandbox configures the sandbox layout and policy.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Probe configures what the probe does once the sandbox exists.
	Probe ProbeConfig `yaml:"probe"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Sandbox *SandboxConfig `yaml:"sandbox,omitempty"`
	Probe   *ProbeConfig   `yaml:"probe,omitempty"`
}

// SandboxConfig configures the sandbox reservation.
type SandboxConfig struct {
	// Size is the size of the addressable sandbox.
	// Default: 1 TiB
	Size Size `yaml:"size"`

	// GuardRegionSize is the size of each guard region in a full
	// reservation. Must be a multiple of Alignment.
	// Default: 32 GiB
	GuardRegionSize Size `yaml:"guard_region_size"`

	// Alignment of the sandbox base. Must be a power of two.
	// Default: 4 GiB
	Alignment Size `yaml:"alignment"`

	// MinimumReservationSize is the smallest partial reservation tried.
	// Default: 8 GiB
	MinimumReservationSize Size `yaml:"minimum_reservation_size"`

	// RequireFullReservation makes a partially reserved sandbox a
	// failure rather than a warning.
	// Default: false (development), true (production)
	RequireFullReservation bool `yaml:"require_full_reservation"`
}

// ProbeConfig configures the probe's self-test and report.
type ProbeConfig struct {
	// AllocatePages is how many pages the probe allocates, writes, and
	// frees through the sandbox page allocator. Zero skips the check.
	// Default: 4
	AllocatePages int `yaml:"allocate_pages"`

	// Format is the report format: text, cbor, or diag.
	// Default: text
	Format string `yaml:"format"`

	// Metrics includes the Prometheus metrics in the text report.
	// Default: true
	Metrics bool `yaml:"metrics"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Sandbox: SandboxConfig{
			Size:                   1 * TiB,
			GuardRegionSize:        32 * GiB,
			Alignment:              4 * GiB,
			MinimumReservationSize: 8 * GiB,
		},
		Probe: ProbeConfig{
			AllocatePages: 4,
			Format:        FormatText,
			Metrics:       true,
		},
	}
}

// Load loads configuration from the VMSANDBOX_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if VMSANDBOX_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your vmsandbox.yaml config file, or use --config flag", ConfigEnvironmentVariable)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: a partially reserved sandbox is an error.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Sandbox: &SandboxConfig{
					RequireFullReservation: true,
				},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Sandbox != nil {
		if overrides.Sandbox.Size != 0 {
			c.Sandbox.Size = overrides.Sandbox.Size
		}
		if overrides.Sandbox.GuardRegionSize != 0 {
			c.Sandbox.GuardRegionSize = overrides.Sandbox.GuardRegionSize
		}
		if overrides.Sandbox.Alignment != 0 {
			c.Sandbox.Alignment = overrides.Sandbox.Alignment
		}
		if overrides.Sandbox.MinimumReservationSize != 0 {
			c.Sandbox.MinimumReservationSize = overrides.Sandbox.MinimumReservationSize
		}
		// RequireFullReservation is a bool, so we always apply it from overrides.
		c.Sandbox.RequireFullReservation = overrides.Sandbox.RequireFullReservation
	}

	if overrides.Probe != nil {
		if overrides.Probe.AllocatePages != 0 {
			c.Probe.AllocatePages = overrides.Probe.AllocatePages
		}
		if overrides.Probe.Format != "" {
			c.Probe.Format = overrides.Probe.Format
		}
		// Metrics is a bool, so we always apply it from overrides.
		c.Probe.Metrics = overrides.Probe.Metrics
	}
}

// Validate checks the configuration for errors. Size relationships
// that depend on the host's allocation granularity are checked when
// the sandbox is initialized.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Sandbox.Size == 0 {
		errs = append(errs, fmt.Errorf("sandbox.size is required"))
	}
	if bits.OnesCount64(uint64(c.Sandbox.Alignment)) != 1 {
		errs = append(errs, fmt.Errorf("sandbox.alignment must be a power of two, got %s", c.Sandbox.Alignment))
	} else if c.Sandbox.GuardRegionSize%c.Sandbox.Alignment != 0 {
		errs = append(errs, fmt.Errorf("sandbox.guard_region_size (%s) must be a multiple of sandbox.alignment (%s)",
			c.Sandbox.GuardRegionSize, c.Sandbox.Alignment))
	}
	if c.Sandbox.MinimumReservationSize == 0 {
		errs = append(errs, fmt.Errorf("sandbox.minimum_reservation_size is required"))
	} else if c.Sandbox.MinimumReservationSize >= c.Sandbox.Size {
		errs = append(errs, fmt.Errorf("sandbox.minimum_reservation_size (%s) must be smaller than sandbox.size (%s)",
			c.Sandbox.MinimumReservationSize, c.Sandbox.Size))
	}

	if c.Probe.AllocatePages < 0 {
		errs = append(errs, fmt.Errorf("probe.allocate_pages must not be negative, got %d", c.Probe.AllocatePages))
	}
	if !slices.Contains(Formats, c.Probe.Format) {
		errs = append(errs, fmt.Errorf("probe.format must be one of: %v", Formats))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
