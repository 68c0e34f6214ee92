// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Size is a byte count written in YAML as a human-readable string
// ("1 TiB", "32GiB", "512 MiB") or a plain integer.
type Size uint64

// Binary size units.
const (
	KiB Size = 1 << 10
	MiB Size = 1 << 20
	GiB Size = 1 << 30
	TiB Size = 1 << 40
)

// ParseSize parses a human-readable byte count. SI suffixes (GB) are
// powers of ten and IEC suffixes (GiB) powers of two.
func ParseSize(text string) (Size, error) {
	value, err := humanize.ParseBytes(text)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", text, err)
	}
	return Size(value), nil
}

// Bytes returns the size as a byte count.
func (s Size) Bytes() uint64 { return uint64(s) }

// String formats the size with IEC units.
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// UnmarshalYAML accepts a scalar size string or integer.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	parsed, err := ParseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = parsed
	return nil
}

// MarshalYAML writes the size with IEC units.
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}
