// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the module's CBOR encoding configuration.
//
// Sandbox geometry snapshots are encoded as CBOR so that the probe can
// emit them in a compact binary form and so that a layout can be
// fingerprinted by hashing its encoding. Fingerprints are only useful
// if the same geometry always produces the same bytes, so the encoder
// uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items.
//
//	data, err := codec.Marshal(snapshot)
//	err = codec.Unmarshal(data, &snapshot)
//
// The decoder is strict: unknown fields and duplicate keys are errors.
//
// [Diagnose] renders encoded data in CBOR diagnostic notation for human
// inspection (the probe's --format=diag).
//
// Types encoded with this package use `cbor` struct tags.
package codec
