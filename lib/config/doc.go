// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the sandbox
// probe.
//
// Configuration is loaded from a single file specified by either the
// VMSANDBOX_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search.
//
// Sizes are written as human-readable strings ("1 TiB", "32GiB") and
// parsed into [Size]. The configuration file supports
// environment-specific sections (development, staging, production)
// that override base values when [Config].Environment matches.
// Production defaults are stricter: a partially reserved sandbox is a
// failure rather than a warning.
//
// Key exports:
//
//   - [Config] -- master struct with Sandbox and Probe sections
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other vmsandbox packages.
package config
